package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const sealInfo = "cleanhelmet/device-record/v1"

// Sealer signs device records so edits made outside the ledger are detectable.
type Sealer struct {
	key []byte
}

// NewSealer derives the signing key from a site secret and a machine salt.
func NewSealer(secret, salt string) (*Sealer, error) {
	if secret == "" {
		return nil, fmt.Errorf("seal secret is empty")
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(sealInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive seal key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// SealFields are the record values covered by the seal.
type SealFields struct {
	DeviceID        string
	FreeCyclesUsed  int
	BonusCycles     int
	LastFreeCycleAt *time.Time
	Suspicious      int
	Blocked         bool
	TotalCycles     int
}

func (f SealFields) canonical() string {
	last := ""
	if f.LastFreeCycleAt != nil {
		last = strconv.FormatInt(f.LastFreeCycleAt.UnixMilli(), 10)
	}
	return strings.Join([]string{
		f.DeviceID,
		strconv.Itoa(f.FreeCyclesUsed),
		strconv.Itoa(f.BonusCycles),
		last,
		strconv.Itoa(f.Suspicious),
		strconv.FormatBool(f.Blocked),
		strconv.Itoa(f.TotalCycles),
	}, "|")
}

// Sign returns the hex HMAC-SHA256 of the fields.
func (s *Sealer) Sign(f SealFields) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(f.canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether seal matches the fields in constant time.
func (s *Sealer) Verify(f SealFields, seal string) bool {
	want, err := hex.DecodeString(seal)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(f.canonical()))
	return hmac.Equal(mac.Sum(nil), want)
}
