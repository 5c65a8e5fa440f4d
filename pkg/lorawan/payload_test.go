package lorawan

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
	return b
}

// Vector from https://runkit.com/avbentem/deciphering-a-lorawan-otaa-join-accept
func TestJoinRequestMIC(t *testing.T) {
	appEUI, _ := ParseEUI64("70B3D57ED00000DC")
	devEUI, _ := ParseEUI64("00AFEE7CF5ED6F1E")
	appKey, _ := ParseAES128Key("B6B53F4A168A7A88BDF7EA135CE9CFCA")

	jr := JoinRequestPayload{
		JoinEUI:  appEUI.Reverse(),
		DevEUI:   devEUI.Reverse(),
		DevNonce: [2]byte{0x85, 0xCC},
	}
	body, _ := jr.MarshalBinary()

	phy := PHYPayload{MHDR: MHDR{MType: JoinRequest, Major: LoRaWAN1_0}, MACPayload: body}
	if err := phy.SetJoinRequestMIC(appKey); err != nil {
		t.Fatalf("SetJoinRequestMIC: %v", err)
	}

	got, _ := phy.MarshalBinary()
	want := mustHex(t, "00DC0000D07ED5B3701E6FEDF57CEEAF0085CC587FE913")
	if !bytes.Equal(got, want) {
		t.Fatalf("join request = %X, want %X", got, want)
	}
}

func TestJoinAcceptRoundTrip(t *testing.T) {
	appKey, _ := ParseAES128Key("B6B53F4A168A7A88BDF7EA135CE9CFCA")

	ja := JoinAcceptPayload{
		JoinNonce:  [3]byte{1, 2, 3},
		NetID:      [3]byte{0x13, 0, 0},
		DevAddr:    DevAddr{0xda, 0x1b, 0x01, 0x26},
		DLSettings: DLSettings{RX1DROffset: 1, RX2DataRate: 3},
		RxDelay:    1,
	}
	body, _ := ja.MarshalBinary()

	network := PHYPayload{MHDR: MHDR{MType: JoinAccept}, MACPayload: body}
	mic, err := CalculateMIC(appKey[:], append([]byte{network.MHDR.Byte()}, body...))
	if err != nil {
		t.Fatalf("CalculateMIC: %v", err)
	}
	enc, err := EncryptJoinAccept(appKey[:], append(append([]byte{}, body...), mic[:]...))
	if err != nil {
		t.Fatalf("EncryptJoinAccept: %v", err)
	}
	frame := append([]byte{network.MHDR.Byte()}, enc...)

	var phy PHYPayload
	if err := phy.UnmarshalBinary(frame); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if phy.MHDR.MType != JoinAccept {
		t.Fatalf("MType = %d", phy.MHDR.MType)
	}
	if err := phy.DecryptJoinAcceptPayload(appKey); err != nil {
		t.Fatalf("DecryptJoinAcceptPayload: %v", err)
	}
	ok, err := phy.ValidateJoinAcceptMIC(appKey)
	if err != nil || !ok {
		t.Fatalf("ValidateJoinAcceptMIC = %v, %v", ok, err)
	}

	var decoded JoinAcceptPayload
	if err := decoded.UnmarshalBinary(phy.MACPayload); err != nil {
		t.Fatalf("JoinAcceptPayload.UnmarshalBinary: %v", err)
	}
	if decoded.DevAddr != ja.DevAddr || decoded.DLSettings != ja.DLSettings || decoded.RxDelay != 1 {
		t.Fatalf("decoded %+v", decoded)
	}

	var wrongKey AES128Key
	phy2 := PHYPayload{}
	_ = phy2.UnmarshalBinary(frame)
	_ = phy2.DecryptJoinAcceptPayload(wrongKey)
	if ok, _ := phy2.ValidateJoinAcceptMIC(wrongKey); ok {
		t.Fatal("MIC must not validate with the wrong key")
	}
}

func TestDeriveSessionKeysDiffer(t *testing.T) {
	appKey, _ := ParseAES128Key("B6B53F4A168A7A88BDF7EA135CE9CFCA")
	nwk, app, err := DeriveSessionKeys10(appKey, [3]byte{1, 2, 3}, [3]byte{0x13}, [2]byte{0x85, 0xcc})
	if err != nil {
		t.Fatalf("DeriveSessionKeys10: %v", err)
	}
	if nwk == app || nwk == (AES128Key{}) {
		t.Fatalf("unexpected keys nwk=%s app=%s", nwk, app)
	}
	nwk2, _, _ := DeriveSessionKeys10(appKey, [3]byte{1, 2, 3}, [3]byte{0x13}, [2]byte{0x86, 0xcc})
	if nwk2 == nwk {
		t.Fatal("DevNonce must change the derived keys")
	}
}

func TestDataFrameMICAndEncryption(t *testing.T) {
	var nwkSKey, appSKey AES128Key
	for i := range nwkSKey {
		nwkSKey[i] = byte(i)
		appSKey[i] = byte(0xff - i)
	}
	addr := DevAddr{0x01, 0x02, 0x03, 0x04}
	plain := []byte{0xaa, 0xbb}

	enc, err := EncryptFRMPayload(appSKey, addr, 5, false, plain)
	if err != nil {
		t.Fatalf("EncryptFRMPayload: %v", err)
	}
	dec, err := EncryptFRMPayload(appSKey, addr, 5, false, enc)
	if err != nil || !bytes.Equal(dec, plain) {
		t.Fatalf("decrypt = %X, %v", dec, err)
	}

	port := uint8(10)
	mac := MACPayload{
		FHDR:       FHDR{DevAddr: addr, FCnt: 5, FCtrl: FCtrl{ACK: true}, FOpts: []byte{DevStatusReq}},
		FPort:      &port,
		FRMPayload: enc,
	}
	body, err := mac.Marshal(false)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	phy := PHYPayload{MHDR: MHDR{MType: UnconfirmedDataDown}, MACPayload: body}
	phy.MIC, err = phy.dataMIC(nwkSKey, addr, 5, false)
	if err != nil {
		t.Fatalf("dataMIC: %v", err)
	}

	ok, err := phy.ValidateDownlinkDataMIC(5, nwkSKey)
	if err != nil || !ok {
		t.Fatalf("ValidateDownlinkDataMIC = %v, %v", ok, err)
	}
	if ok, _ := phy.ValidateDownlinkDataMIC(6, nwkSKey); ok {
		t.Fatal("MIC must depend on the frame counter")
	}

	var parsed MACPayload
	if err := parsed.Unmarshal(body, false); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if parsed.FPort == nil || *parsed.FPort != 10 || !parsed.FHDR.FCtrl.ACK || parsed.FHDR.FCnt != 5 {
		t.Fatalf("parsed %+v", parsed)
	}
	if !bytes.Equal(parsed.FHDR.FOpts, []byte{DevStatusReq}) {
		t.Fatalf("FOpts = %X", parsed.FHDR.FOpts)
	}
}

func TestGetFullFCnt(t *testing.T) {
	tests := []struct {
		last uint32
		fcnt uint16
		want uint32
	}{
		{0, 5, 5},
		{0x0000FFFF, 0x0001, 0x00010001},
		{0x00010005, 0x0006, 0x00010006},
	}
	for _, tt := range tests {
		if got := GetFullFCnt(tt.last, tt.fcnt); got != tt.want {
			t.Errorf("GetFullFCnt(%#x, %#x) = %#x, want %#x", tt.last, tt.fcnt, got, tt.want)
		}
	}
}

func TestParseMACCommands(t *testing.T) {
	cmds, err := ParseMACCommands(false, []byte{LinkCheckAns, 10, 2, DevStatusReq})
	if err != nil {
		t.Fatalf("ParseMACCommands: %v", err)
	}
	if len(cmds) != 2 || cmds[0].Name() != "LinkCheckAns" || cmds[1].Name() != "DevStatusReq" {
		t.Fatalf("unexpected commands %+v", cmds)
	}

	if _, err := ParseMACCommands(false, []byte{LinkADRReq, 1}); err == nil {
		t.Fatal("expected error on truncated command")
	}
	if _, err := ParseMACCommands(false, []byte{0x7f}); err == nil {
		t.Fatal("expected error on unknown command")
	}
}
