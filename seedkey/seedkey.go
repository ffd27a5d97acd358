// Package seedkey computes security access keys and drives the UDS
// seed/key unlock handshake.
package seedkey

import (
	"crypto/aes"
	"errors"
	"fmt"

	"github.com/chmike/cmac-go"

	"github.com/rnd-ash/ecu-diagnostics/uds"
)

// Algorithm turns an ECU seed into the matching key for one security level.
type Algorithm interface {
	ComputeKey(seed []byte) ([]byte, error)
}

// MultiplierAlgorithm is the simple multiply-by-constant scheme used by
// several small-displacement ECUs: key = (magic * seed16) & 0xFFFF.
type MultiplierAlgorithm struct {
	Magic uint16
}

// ComputeKey generates a 2 byte key from a 2 byte seed.
func (a MultiplierAlgorithm) ComputeKey(seed []byte) ([]byte, error) {
	if len(seed) != 2 {
		return nil, fmt.Errorf("seed must be 2 bytes, got %d", len(seed))
	}
	if a.Magic == 0 {
		return nil, errors.New("missing magic number")
	}

	// Combine seed bytes into a single 16-bit value
	x := (uint16(seed[0]) << 8) | uint16(seed[1])

	key := a.Magic * x

	return []byte{
		byte(key >> 8),
		byte(key),
	}, nil
}

// CMACAlgorithm derives the key as AES-CMAC(secret, seed), the scheme used
// by newer ECUs with 16 byte seeds.
type CMACAlgorithm struct {
	Secret []byte
}

// ComputeKey tags the seed with AES-CMAC under the shared secret.
func (a CMACAlgorithm) ComputeKey(seed []byte) ([]byte, error) {
	cm, err := cmac.New(aes.NewCipher, a.Secret)
	if err != nil {
		return nil, fmt.Errorf("initializing CMAC: %w", err)
	}
	if _, err := cm.Write(seed); err != nil {
		return nil, fmt.Errorf("computing CMAC: %w", err)
	}
	return cm.Sum(nil), nil
}

// RequestSeedLevel normalizes a security level to the odd request-seed
// subfunction (0x27 levels come in odd/even pairs).
func RequestSeedLevel(level byte) byte {
	if level%2 == 0 {
		return level - 1
	}
	return level
}

// SendKeyLevel normalizes a security level to the even send-key subfunction.
func SendKeyLevel(level byte) byte {
	if level%2 == 0 {
		return level
	}
	return level + 1
}

// Unlock performs the full seed/key handshake on a running server: request
// the seed for the level, compute the key, send it back. An all-zero seed
// means the level is already unlocked and no key is sent.
func Unlock(srv *uds.Server, level byte, alg Algorithm) error {
	seedResp, err := srv.ExecuteWithResponse(uds.ServiceSecurityAccess, []byte{RequestSeedLevel(level)})
	if err != nil {
		return fmt.Errorf("requesting seed: %w", err)
	}
	if len(seedResp) < 3 {
		return uds.ErrInvalidResponseLength
	}
	seed := seedResp[2:]

	if allZero(seed) {
		// ECU reports the level as already unlocked.
		return nil
	}

	key, err := alg.ComputeKey(seed)
	if err != nil {
		return fmt.Errorf("computing key: %w", err)
	}

	args := make([]byte, 0, len(key)+1)
	args = append(args, SendKeyLevel(level))
	args = append(args, key...)
	if _, err := srv.ExecuteWithResponse(uds.ServiceSecurityAccess, args); err != nil {
		return fmt.Errorf("sending key: %w", err)
	}
	return nil
}

func allZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
