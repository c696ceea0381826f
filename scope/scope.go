package scope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

type Kind string

const (
	KindGlobal Kind = "global"
	KindLeague Kind = "league"
	KindDirect Kind = "dm"
)

// Key is the partition key of a message log: `global`, `league:<id>` or `dm:<conversation id>`.
type Key string

const maxIDLen = 128

func Global() Key {
	return Key(KindGlobal)
}

func League(leagueID string) Key {
	return Key(string(KindLeague) + ":" + leagueID)
}

// Direct returns the scope shared by the two participants, whoever initiates.
func Direct(a, b string) Key {
	return Key(string(KindDirect) + ":" + DeriveConversationID(a, b))
}

// DeriveConversationID derives the id of the two-party conversation between a and b.
// Identities are sorted and joined with NUL, which is never valid in an identity.
func DeriveConversationID(a, b string) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte(lo + "\x00" + hi))
	return hex.EncodeToString(sum[:])
}

// Parse validates key and splits it into kind and id. The id of the global scope is empty.
func Parse(key Key) (Kind, string, error) {
	s := string(key)
	if s == string(KindGlobal) {
		return KindGlobal, "", nil
	}

	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", fmt.Errorf("scope: malformed key `%s`", s)
	}
	kind, id := Kind(s[:i]), s[i+1:]
	if id == "" || len(id) > maxIDLen || strings.ContainsAny(id, ":/ \t\r\n") {
		return "", "", fmt.Errorf("scope: malformed id in key `%s`", s)
	}

	switch kind {
	case KindLeague:
		return kind, id, nil
	case KindDirect:
		if len(id) != sha256.Size*2 {
			return "", "", fmt.Errorf("scope: malformed conversation id in key `%s`", s)
		}
		if _, err := hex.DecodeString(id); err != nil {
			return "", "", fmt.Errorf("scope: malformed conversation id in key `%s`", s)
		}
		return kind, id, nil
	default:
		return "", "", fmt.Errorf("scope: unknown kind `%s`", kind)
	}
}

// KindOf returns the kind of a well-formed key, or empty.
func KindOf(key Key) Kind {
	kind, _, err := Parse(key)
	if err != nil {
		return ""
	}
	return kind
}
