package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// CalculateMIC returns the first four bytes of aes128_cmac(key, data)
func CalculateMIC(key []byte, data []byte) ([4]byte, error) {
	var mic [4]byte
	hash, err := cmac.New(key)
	if err != nil {
		return mic, err
	}
	hash.Write(data)
	copy(mic[:], hash.Sum(nil)[0:4])
	return mic, nil
}

// dataMIC computes the MIC of a data frame (LoRaWAN 1.0.x, section 4.4)
func (p *PHYPayload) dataMIC(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool) ([4]byte, error) {
	b0 := make([]byte, 16)
	b0[0] = 0x49
	if !uplink {
		b0[5] = 0x01
	}
	copy(b0[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(1 + len(p.MACPayload))

	msg := make([]byte, 0, len(b0)+1+len(p.MACPayload))
	msg = append(msg, b0...)
	msg = append(msg, p.MHDR.Byte())
	msg = append(msg, p.MACPayload...)

	return CalculateMIC(key[:], msg)
}

// SetUplinkDataMIC calculates and sets the uplink MIC
func (p *PHYPayload) SetUplinkDataMIC(fCntUp uint32, nwkSKey NwkSKey) error {
	macPayload := &MACPayload{}
	if err := macPayload.Unmarshal(p.MACPayload, true); err != nil {
		return fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	mic, err := p.dataMIC(nwkSKey, macPayload.FHDR.DevAddr, fCntUp, true)
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// SetDownlinkDataMIC calculates and sets the downlink MIC
func (p *PHYPayload) SetDownlinkDataMIC(fCntDown uint32, nwkSKey NwkSKey) error {
	macPayload := &MACPayload{}
	if err := macPayload.Unmarshal(p.MACPayload, false); err != nil {
		return fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	mic, err := p.dataMIC(nwkSKey, macPayload.FHDR.DevAddr, fCntDown, false)
	if err != nil {
		return fmt.Errorf("calculate MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// ValidateUplinkDataMIC validates the MIC of an uplink data frame
func (p *PHYPayload) ValidateUplinkDataMIC(fCntUp uint32, nwkSKey NwkSKey) (bool, error) {
	macPayload := &MACPayload{}
	if err := macPayload.Unmarshal(p.MACPayload, true); err != nil {
		return false, fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	mic, err := p.dataMIC(nwkSKey, macPayload.FHDR.DevAddr, fCntUp, true)
	if err != nil {
		return false, fmt.Errorf("calculate MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// ValidateJoinRequestMIC validates the MIC of a join request
func (p *PHYPayload) ValidateJoinRequestMIC(appKey AppKey) (bool, error) {
	data := append([]byte{p.MHDR.Byte()}, p.MACPayload...)
	mic, err := CalculateMIC(appKey[:], data)
	if err != nil {
		return false, fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// SetJoinAcceptMIC sets the MIC of a clear join accept
func (p *PHYPayload) SetJoinAcceptMIC(appKey AppKey) error {
	data := append([]byte{p.MHDR.Byte()}, p.MACPayload...)
	mic, err := CalculateMIC(appKey[:], data)
	if err != nil {
		return fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// EncryptJoinAcceptPayload encrypts a clear join accept and its MIC in place
func (p *PHYPayload) EncryptJoinAcceptPayload(appKey AppKey) error {
	plaintext := make([]byte, len(p.MACPayload)+4)
	copy(plaintext, p.MACPayload)
	copy(plaintext[len(p.MACPayload):], p.MIC[:])

	ciphertext, err := EncryptJoinAccept(appKey[:], plaintext)
	if err != nil {
		return fmt.Errorf("encrypt JOIN ACCEPT: %w", err)
	}

	p.MACPayload = ciphertext[:len(ciphertext)-4]
	copy(p.MIC[:], ciphertext[len(ciphertext)-4:])
	return nil
}

// ValidateDownlinkDataMIC validates the MIC of a downlink data frame
// against the full 32-bit downlink frame counter
func (p *PHYPayload) ValidateDownlinkDataMIC(fCntDown uint32, nwkSKey NwkSKey) (bool, error) {
	macPayload := &MACPayload{}
	if err := macPayload.Unmarshal(p.MACPayload, false); err != nil {
		return false, fmt.Errorf("unmarshal MAC payload: %w", err)
	}

	mic, err := p.dataMIC(nwkSKey, macPayload.FHDR.DevAddr, fCntDown, false)
	if err != nil {
		return false, fmt.Errorf("calculate MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// SetJoinRequestMIC sets MIC = aes128_cmac(AppKey, MHDR | JoinEUI | DevEUI | DevNonce)
func (p *PHYPayload) SetJoinRequestMIC(appKey AppKey) error {
	data := append([]byte{p.MHDR.Byte()}, p.MACPayload...)
	mic, err := CalculateMIC(appKey[:], data)
	if err != nil {
		return fmt.Errorf("calculate JOIN REQUEST MIC: %w", err)
	}
	p.MIC = mic
	return nil
}

// DecryptJoinAcceptPayload decrypts an over the air join accept in place.
// The network encrypts with AES decrypt, so the device decrypts with AES
// encrypt. After the call MACPayload holds the clear payload and MIC the
// clear MIC.
func (p *PHYPayload) DecryptJoinAcceptPayload(appKey AppKey) error {
	ciphertext := make([]byte, len(p.MACPayload)+4)
	copy(ciphertext, p.MACPayload)
	copy(ciphertext[len(p.MACPayload):], p.MIC[:])

	plaintext, err := DecryptJoinAccept(appKey[:], ciphertext)
	if err != nil {
		return fmt.Errorf("decrypt JOIN ACCEPT: %w", err)
	}

	p.MACPayload = plaintext[:len(plaintext)-4]
	copy(p.MIC[:], plaintext[len(plaintext)-4:])
	return nil
}

// ValidateJoinAcceptMIC validates MIC = aes128_cmac(AppKey, MHDR | JoinAccept)
// on a decrypted join accept
func (p *PHYPayload) ValidateJoinAcceptMIC(appKey AppKey) (bool, error) {
	data := append([]byte{p.MHDR.Byte()}, p.MACPayload...)
	mic, err := CalculateMIC(appKey[:], data)
	if err != nil {
		return false, fmt.Errorf("calculate JOIN ACCEPT MIC: %w", err)
	}
	return mic == p.MIC, nil
}

// MarshalBinary marshals PHYPayload to binary
func (p *PHYPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 0, 1+len(p.MACPayload)+4)
	data = append(data, p.MHDR.Byte())
	data = append(data, p.MACPayload...)
	data = append(data, p.MIC[:]...)
	return data, nil
}

// UnmarshalBinary unmarshals PHYPayload from binary
func (p *PHYPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("PHYPayload too short: %d bytes", len(data))
	}

	p.MHDR.MType = MType((data[0] >> 5) & 0x07)
	p.MHDR.Major = Major(data[0] & 0x03)
	p.MACPayload = append([]byte(nil), data[1:len(data)-4]...)
	copy(p.MIC[:], data[len(data)-4:])

	return nil
}

// GetFullFCnt gets full frame counter from 16-bit value
func GetFullFCnt(fCnt uint32, fCnt16 uint16) uint32 {
	upperBits := fCnt & 0xFFFF0000

	if uint16(fCnt) > fCnt16 && (uint16(fCnt)-fCnt16) > 0x8000 {
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt16)
}

// EncryptFRMPayload encrypts/decrypts FRM payload
func EncryptFRMPayload(key AES128Key, devAddr DevAddr, fCnt uint32, uplink bool, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	k := (len(payload) + 15) / 16

	ai := make([]byte, 16)
	ai[0] = 0x01
	if !uplink {
		ai[5] = 0x01
	}
	copy(ai[6:10], devAddr[:])
	binary.LittleEndian.PutUint32(ai[10:14], fCnt)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	s := make([]byte, 16*k)
	for i := 0; i < k; i++ {
		ai[15] = byte(i + 1)
		block.Encrypt(s[i*16:(i+1)*16], ai)
	}

	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ s[i]
	}

	return out, nil
}

// Marshal marshals MACPayload
func (m *MACPayload) Marshal(isUplink bool) ([]byte, error) {
	if len(m.FHDR.FOpts) > 15 {
		return nil, fmt.Errorf("FOpts too long: %d bytes", len(m.FHDR.FOpts))
	}

	var data []byte
	data = append(data, m.FHDR.DevAddr[:]...)

	fctrl := byte(0)
	if m.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if isUplink {
		if m.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if m.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if m.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	fctrl |= byte(len(m.FHDR.FOpts)) & 0x0F
	data = append(data, fctrl)

	data = append(data, byte(m.FHDR.FCnt), byte(m.FHDR.FCnt>>8))
	data = append(data, m.FHDR.FOpts...)

	// FRMPayload only present if FPort is present
	if m.FPort != nil {
		data = append(data, *m.FPort)
		data = append(data, m.FRMPayload...)
	}

	return data, nil
}

// Unmarshal unmarshals MACPayload
func (m *MACPayload) Unmarshal(data []byte, isUplink bool) error {
	if len(data) < 7 {
		return fmt.Errorf("MACPayload too short: %d bytes", len(data))
	}

	pos := 0

	copy(m.FHDR.DevAddr[:], data[pos:pos+4])
	pos += 4

	fctrl := data[pos]
	m.FHDR.FCtrl.ADR = (fctrl & 0x80) != 0
	if isUplink {
		m.FHDR.FCtrl.ADRACKReq = (fctrl & 0x40) != 0
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.ClassB = (fctrl & 0x10) != 0
	} else {
		m.FHDR.FCtrl.ACK = (fctrl & 0x20) != 0
		m.FHDR.FCtrl.FPending = (fctrl & 0x10) != 0
	}
	foptsLen := int(fctrl & 0x0F)
	pos++

	m.FHDR.FCnt = uint16(data[pos]) | uint16(data[pos+1])<<8
	pos += 2

	if foptsLen > 0 {
		if pos+foptsLen > len(data) {
			return fmt.Errorf("invalid FOpts length")
		}
		m.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	if pos < len(data) {
		fport := data[pos]
		m.FPort = &fport
		pos++

		if pos < len(data) {
			m.FRMPayload = data[pos:]
		}
	}

	return nil
}

// MarshalBinary marshals the join request body (LSB-first EUIs, as given)
func (j *JoinRequestPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 18)
	copy(data[0:8], j.JoinEUI[:])
	copy(data[8:16], j.DevEUI[:])
	copy(data[16:18], j.DevNonce[:])
	return data, nil
}

// UnmarshalBinary unmarshals the join request body
func (j *JoinRequestPayload) UnmarshalBinary(data []byte) error {
	if len(data) != 18 {
		return fmt.Errorf("invalid JoinRequest length: expected 18, got %d", len(data))
	}

	copy(j.JoinEUI[:], data[0:8])
	copy(j.DevEUI[:], data[8:16])
	copy(j.DevNonce[:], data[16:18])

	return nil
}

// MarshalBinary marshals the join accept body
func (j *JoinAcceptPayload) MarshalBinary() ([]byte, error) {
	data := make([]byte, 12+len(j.CFList))
	copy(data[0:3], j.JoinNonce[:])
	copy(data[3:6], j.NetID[:])
	copy(data[6:10], j.DevAddr[:])
	data[10] = (j.DLSettings.RX1DROffset << 4) | (j.DLSettings.RX2DataRate & 0x0F)
	data[11] = j.RxDelay
	copy(data[12:], j.CFList)

	return data, nil
}

// UnmarshalBinary unmarshals the join accept body
func (j *JoinAcceptPayload) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("invalid JoinAccept length: minimum 12, got %d", len(data))
	}

	copy(j.JoinNonce[:], data[0:3])
	copy(j.NetID[:], data[3:6])
	copy(j.DevAddr[:], data[6:10])
	j.DLSettings.RX1DROffset = (data[10] >> 4) & 0x07
	j.DLSettings.RX2DataRate = data[10] & 0x0F
	j.RxDelay = data[11]

	if len(data) > 12 {
		j.CFList = make([]byte, len(data)-12)
		copy(j.CFList, data[12:])
	}

	return nil
}
