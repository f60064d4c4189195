package tripsync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

/*
Keeps trip-scoped shared state in sync across members with properties:
- local mutations are durable and drain in order per resource key
- the store is the single source of truth and the only version authority
- realtime echoes of this client's own writes do not re-notify the UI
- capacity-limited resources admit or waitlist claims atomically

*/

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// resource keys are slash separated, e.g. "trip/<tripId>/task/<taskId>"
// a scope is a key prefix, e.g. "trip/<tripId>"

func ScopeContains(scope string, resourceKey string) bool {
	if scope == "" {
		return true
	}
	if resourceKey == scope {
		return true
	}
	return strings.HasPrefix(resourceKey, scope+"/")
}

// the fingerprint covers only the fields a mutation actually changed,
// so a different concurrent change to the same key is never mistaken for an echo
func ComputeFingerprint(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	fields := maps.Keys(payload)
	slices.Sort(fields)
	h := sha256.New()
	for _, field := range fields {
		valueBytes, _ := json.Marshal(payload[field])
		h.Write([]byte(field))
		h.Write([]byte{0})
		h.Write(valueBytes)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
