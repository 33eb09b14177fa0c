package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, isZeroKey(kp.Public))
	assert.False(t, isZeroKey(kp.Private))
	assert.Len(t, kp.PublicHex(), 64)
}

func TestFromSecretKeyDerivesSamePublic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	rebuilt, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, rebuilt.Public)
}

func TestFromSecretKeyRejectsZeroSeed(t *testing.T) {
	_, err := FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestParsePublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := ParsePublicKey(kp.PublicHex())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)

	_, err = ParsePublicKey("too short")
	assert.Error(t, err)

	_, err = ParsePublicKey("zz" + kp.PublicHex()[2:])
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("sealed for delivery")
	sig, err := Sign(message, kp.Private)
	require.NoError(t, err)

	ok, err := Verify(message, sig, kp.Public)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampered message must fail verification.
	ok, err = Verify([]byte("sealed for delivery!"), sig, kp.Public)
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong public key must fail verification.
	other, err := GenerateKeyPair()
	require.NoError(t, err)
	ok, err = Verify(message, sig, other.Public)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignEmptyMessage(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = Sign(nil, kp.Private)
	assert.Error(t, err)
}

func TestConversationKeySymmetry(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	aliceKey, err := ConversationKey(alice.Private, bob.PublicHex())
	require.NoError(t, err)
	bobKey, err := ConversationKey(bob.Private, alice.PublicHex())
	require.NoError(t, err)

	assert.Equal(t, aliceKey, bobKey, "both directions must derive the same key")
	assert.False(t, isZeroKey(aliceKey))
}

func TestConversationKeyDistinctPerPeer(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	carol, err := GenerateKeyPair()
	require.NoError(t, err)

	toBob, err := ConversationKey(alice.Private, bob.PublicHex())
	require.NoError(t, err)
	toCarol, err := ConversationKey(alice.Private, carol.PublicHex())
	require.NoError(t, err)

	assert.NotEqual(t, toBob, toCarol)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	key, err := ConversationKey(alice.Private, bob.PublicHex())
	require.NoError(t, err)

	plaintext := []byte(`{"content":"hello"}`)
	encoded, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotContains(t, encoded, "hello")

	peerKey, err := ConversationKey(bob.Private, alice.PublicHex())
	require.NoError(t, err)
	decrypted, err := Decrypt(encoded, peerKey)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	carol, err := GenerateKeyPair()
	require.NoError(t, err)

	key, err := ConversationKey(alice.Private, bob.PublicHex())
	require.NoError(t, err)
	encoded, err := Encrypt([]byte("for bob only"), key)
	require.NoError(t, err)

	wrongKey, err := ConversationKey(carol.Private, alice.PublicHex())
	require.NoError(t, err)
	_, err = Decrypt(encoded, wrongKey)
	assert.Error(t, err)
}

func TestDecryptMalformedInput(t *testing.T) {
	var key [32]byte
	key[0] = 1

	testCases := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"too short", "AAAA"},
		{"empty", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decrypt(tc.input, key)
			assert.Error(t, err)
		})
	}
}

func TestEncryptRejectsEmptyPlaintext(t *testing.T) {
	var key [32]byte
	_, err := Encrypt(nil, key)
	assert.Error(t, err)
}
