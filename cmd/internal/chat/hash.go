package chat

import (
	"encoding/binary"
	"encoding/hex"
	"slices"

	"golang.org/x/crypto/blake2b"
)

// ParticipantsHash is the stable digest of a member set: ids are deduped and
// sorted, so {a,b} and {b,a} hash alike. It dedupes DIRECT conversations.
// Each id is length-prefixed, so no two distinct sets share an input.
func ParticipantsHash(userIDs []string) string {
	ids := slices.Clone(userIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	var buf []byte
	for _, id := range ids {
		buf = binary.AppendUvarint(buf, uint64(len(id)))
		buf = append(buf, id...)
	}
	sum := blake2b.Sum256(buf)
	return hex.EncodeToString(sum[:])
}
