package lorawan

import (
	"crypto/aes"
	"fmt"
)

// DeriveSessionKeys10 derives the LoRaWAN 1.0.x session keys
// appNonce, netID and devNonce are in over the air byte order.
func DeriveSessionKeys10(appKey AppKey, appNonce [3]byte, netID [3]byte, devNonce [2]byte) (nwkSKey NwkSKey, appSKey AppSKey, err error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return nwkSKey, appSKey, err
	}

	// NwkSKey = aes128_encrypt(AppKey, 0x01 | AppNonce | NetID | DevNonce | pad16)
	msg := make([]byte, 16)
	msg[0] = 0x01
	copy(msg[1:4], appNonce[:])
	copy(msg[4:7], netID[:])
	copy(msg[7:9], devNonce[:])
	block.Encrypt(nwkSKey[:], msg)

	// AppSKey = aes128_encrypt(AppKey, 0x02 | AppNonce | NetID | DevNonce | pad16)
	msg[0] = 0x02
	block.Encrypt(appSKey[:], msg)

	return nwkSKey, appSKey, nil
}

// EncryptJoinAccept encrypts a join accept body plus MIC the way a network
// server does. payload must be a multiple of 16 bytes.
func EncryptJoinAccept(key []byte, payload []byte) ([]byte, error) {
	if len(payload)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid data length for AES ECB: %d", len(payload))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	encrypted := make([]byte, len(payload))
	for i := 0; i < len(payload); i += aes.BlockSize {
		block.Decrypt(encrypted[i:i+aes.BlockSize], payload[i:i+aes.BlockSize])
	}

	return encrypted, nil
}

// DecryptJoinAccept decrypts join accept payload
func DecryptJoinAccept(key []byte, encrypted []byte) ([]byte, error) {
	if len(encrypted)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("invalid data length for AES ECB: %d", len(encrypted))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	decrypted := make([]byte, len(encrypted))
	for i := 0; i < len(encrypted); i += aes.BlockSize {
		block.Encrypt(decrypted[i:i+aes.BlockSize], encrypted[i:i+aes.BlockSize])
	}

	return decrypted, nil
}
