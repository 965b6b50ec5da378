package backup

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

func testChannel(id string) ChannelBackupData {
	return ChannelBackupData{
		ChannelID:              id,
		NodeID:                 "02" + strings.Repeat("11", 32),
		FundingTxid:            strings.Repeat("ab", 32),
		FundingOutputIndex:     1,
		ChannelSeed:            []byte("seed-material"),
		LocalPrivkey:           make([]byte, 32),
		IsInitiator:            true,
		LocalDelay:             144,
		RemoteDelay:            144,
		RemotePaymentPubkey:    "02" + strings.Repeat("22", 32),
		RemoteRevocationPubkey: "02" + strings.Repeat("33", 32),
		Host:                   "peer.example",
		Port:                   9735,
		CreatedAt:              time.Now().UTC().Truncate(time.Second),
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	b := NewFullBackup([]ChannelBackupData{testChannel("chan-1"), testChannel("chan-2")})

	data, err := ExportEncryptedBackup(b, "correct horse battery staple")
	if err != nil {
		t.Fatal(err.Error())
	}
	if parts := strings.Split(data, ":"); len(parts) != 4 {
		t.Fatal("wrong field count", len(parts))
	}

	got, err := ImportEncryptedBackup(data, "correct horse battery staple")
	if err != nil {
		t.Fatal(err.Error())
	}
	if got.Version != BackupVersion || len(got.Channels) != 2 {
		t.Fatal("backup mangled in transit")
	}
	if got.Channels[0].ChannelID != "chan-1" || got.Channels[1].FundingTxid != strings.Repeat("ab", 32) {
		t.Fatal("channel data mangled")
	}
}

func TestImportWrongPassword(t *testing.T) {
	data, err := ExportEncryptedBackup(NewFullBackup([]ChannelBackupData{testChannel("chan-1")}), "right")
	if err != nil {
		t.Fatal(err.Error())
	}

	got, err := ImportEncryptedBackup(data, "wrong")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatal("wrong password not rejected:", err)
	}
	if got != nil {
		t.Fatal("partial backup returned on auth failure")
	}
}

func TestImportTamperedTag(t *testing.T) {
	data, err := ExportEncryptedBackup(NewFullBackup([]ChannelBackupData{testChannel("chan-1")}), "pw")
	if err != nil {
		t.Fatal(err.Error())
	}

	parts := strings.Split(data, ":")
	tag := []byte(parts[3])
	if tag[0] == '0' {
		tag[0] = '1'
	} else {
		tag[0] = '0'
	}
	parts[3] = string(tag)

	got, err := ImportEncryptedBackup(strings.Join(parts, ":"), "pw")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatal("tampered tag not rejected:", err)
	}
	if got != nil {
		t.Fatal("partial backup returned for tampered tag")
	}
}

func TestImportTamperedCiphertext(t *testing.T) {
	data, err := ExportEncryptedBackup(NewFullBackup([]ChannelBackupData{testChannel("chan-1")}), "pw")
	if err != nil {
		t.Fatal(err.Error())
	}

	parts := strings.Split(data, ":")
	ct := []byte(parts[2])
	if ct[0] == '0' {
		ct[0] = '1'
	} else {
		ct[0] = '0'
	}
	parts[2] = string(ct)

	if _, err = ImportEncryptedBackup(strings.Join(parts, ":"), "pw"); !errors.Is(err, ErrAuthFailed) {
		t.Fatal("tampered ciphertext not rejected:", err)
	}
}

func TestImportMalformed(t *testing.T) {
	for _, bad := range []string{
		"",
		"aabb:ccdd",
		"aabb:ccdd:eeff:0011:2233",
		"nothex:" + strings.Repeat("00", 24) + ":aabb:" + strings.Repeat("00", 16),
		strings.Repeat("00", 16) + ":shortnonce:aabb:" + strings.Repeat("00", 16),
		strings.Repeat("00", 16) + ":" + strings.Repeat("00", 24) + ":aabb:badtag",
	} {
		if _, err := ImportEncryptedBackup(bad, "pw"); !errors.Is(err, ErrMalformedBackup) {
			t.Fatal("malformed input accepted:", bad, err)
		}
	}
}

// a correctly sealed payload carrying a foreign version number must be
// rejected after decryption, not misparsed
func TestImportBadVersion(t *testing.T) {
	plaintext, err := json.Marshal(&FullBackup{Version: 99})
	if err != nil {
		t.Fatal(err.Error())
	}

	salt := make([]byte, saltSize)
	key, err := deriveKey("pw", salt)
	if err != nil {
		t.Fatal(err.Error())
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		t.Fatal(err.Error())
	}
	nonce := make([]byte, aead.NonceSize())
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	data := strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(sealed[:len(sealed)-tagSize]),
		hex.EncodeToString(sealed[len(sealed)-tagSize:]),
	}, ":")

	if _, err = ImportEncryptedBackup(data, "pw"); !errors.Is(err, ErrBadVersion) {
		t.Fatal("foreign version accepted:", err)
	}
}

func TestSingleChannelRoundTrip(t *testing.T) {
	c := testChannel("chan-solo")

	data, err := ExportChannelBackup(&c, "pw")
	if err != nil {
		t.Fatal(err.Error())
	}
	got, err := ImportChannelBackup(data, "pw")
	if err != nil {
		t.Fatal(err.Error())
	}
	if got.ChannelID != "chan-solo" || got.Port != 9735 {
		t.Fatal("channel mangled")
	}

	// a multi-channel payload is not a single-channel backup
	multi, err := ExportEncryptedBackup(NewFullBackup([]ChannelBackupData{testChannel("a"), testChannel("b")}), "pw")
	if err != nil {
		t.Fatal(err.Error())
	}
	if _, err = ImportChannelBackup(multi, "pw"); !errors.Is(err, ErrMalformedBackup) {
		t.Fatal("multi-channel payload accepted as single:", err)
	}
}

func TestExportsAreSaltedUniquely(t *testing.T) {
	b := NewFullBackup([]ChannelBackupData{testChannel("chan-1")})

	first, err := ExportEncryptedBackup(b, "pw")
	if err != nil {
		t.Fatal(err.Error())
	}
	second, err := ExportEncryptedBackup(b, "pw")
	if err != nil {
		t.Fatal(err.Error())
	}
	if first == second {
		t.Fatal("salt or nonce reused across exports")
	}
}
