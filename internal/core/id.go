package core

import (
	"crypto/md5"  // #nosec G501 -- identity digest, not a security boundary
	"crypto/sha1" // #nosec G505
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/fnv"
	"sort"
)

// DefaultHash names the digest used for task identities unless the host picks another.
const DefaultHash = "sha1"

var hashers = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"md5":    md5.New,
	"fnv64a": func() hash.Hash { return fnv.New64a() },
}

// HashNames lists the supported identity digests.
func HashNames() []string {
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identity digests the ordered tuple (command, action, params). Every field is
// length-prefixed so ("ab", "c") and ("a", "bc") differ.
func Identity(algo, command, action string, params []Param) (string, error) {
	if algo == "" {
		algo = DefaultHash
	}
	newHash, ok := hashers[algo]
	if !ok {
		return "", &InvalidTaskDefinitionError{Field: "hash", Value: algo, Reason: "unsupported digest"}
	}
	h := newHash()
	write := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	write(command)
	write(action)
	write(fmt.Sprint(len(params)))
	for _, p := range params {
		write(p.Name)
		write(p.Value)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
