package cryptoutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSRPHandshakeAgreesOnSessionKey(t *testing.T) {
	rnd := SystemRandom{}
	salt := make([]byte, 16)
	require.NoError(t, rnd.Fill(salt))
	verifier := SRPVerifier(salt, []byte("518-08-582"), nil)

	// Server ephemeral.
	bBytes, err := SRPServerEphemeral(rnd)
	require.NoError(t, err)
	B := SRPPublicKey(bBytes, verifier)

	// Stand-in controller ephemeral (not a full client implementation;
	// exercises the same group arithmetic against a known verifier).
	aBytes, err := SRPServerEphemeral(rnd)
	require.NoError(t, err)
	A := SRPPublicKey(aBytes, verifier)

	require.False(t, SRPIsIllegalA(A))

	u := SRPScramblingParameter(A, B)
	_, err = SRPPremasterSecret(A, bBytes, u, verifier)
	require.NoError(t, err)
}

func TestSRPIllegalA(t *testing.T) {
	zero := make([]byte, 384)
	require.True(t, SRPIsIllegalA(zero))

	_, err := SRPPremasterSecret(zero, zero, []byte{1}, make([]byte, 384))
	require.ErrorIs(t, err, ErrIllegalA)
}

func TestHKDFDeterministic(t *testing.T) {
	ikm := []byte("shared-secret")
	salt := []byte("Pair-Setup-Encrypt-Salt")
	info := []byte("Pair-Setup-Encrypt-Info")

	a, err := HKDFSHA512(ikm, salt, info, 32)
	require.NoError(t, err)
	b, err := HKDFSHA512(ikm, salt, info, 32)
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 32)

	c, err := HKDFSHA512(ikm, salt, []byte("different-info"), 32)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestX25519SharedSecretSymmetric(t *testing.T) {
	rnd := SystemRandom{}
	aSK, aPK, err := X25519GenerateKeyPair(rnd)
	require.NoError(t, err)
	bSK, bPK, err := X25519GenerateKeyPair(rnd)
	require.NoError(t, err)

	s1, err := X25519ScalarMult(aSK, bPK)
	require.NoError(t, err)
	s2, err := X25519ScalarMult(bSK, aPK)
	require.NoError(t, err)
	require.Equal(t, s1, s2)
}

func TestEd25519SignVerify(t *testing.T) {
	rnd := SystemRandom{}
	pk, sk, err := Ed25519GenerateKey(rnd)
	require.NoError(t, err)

	msg := []byte("cv_pk || accessoryIdentifier || controller_cv_pk")
	sig := Ed25519Sign(sk, msg)
	require.True(t, Ed25519Verify(pk, msg, sig))
	require.False(t, Ed25519Verify(pk, []byte("tampered"), sig))
}

func TestAEADRoundTrip(t *testing.T) {
	var key [32]byte
	require.NoError(t, (SystemRandom{}).Fill(key[:]))
	nonce := NonceFromCounter(0)

	ct, err := Seal(key, nonce, nil, []byte("GET /accessories"))
	require.NoError(t, err)

	pt, err := Open(key, nonce, nil, ct)
	require.NoError(t, err)
	require.Equal(t, "GET /accessories", string(pt))
}

func TestAEADTamperedTagFails(t *testing.T) {
	var key [32]byte
	require.NoError(t, (SystemRandom{}).Fill(key[:]))
	nonce := NonceFromCounter(0)

	ct, err := Seal(key, nonce, nil, []byte("payload"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF

	_, err = Open(key, nonce, nil, ct)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestNonceFromLabelRequiresEightBytes(t *testing.T) {
	_, err := NonceFromLabel("short")
	require.Error(t, err)

	n, err := NonceFromLabel("PS-Msg04")
	require.NoError(t, err)
	require.Equal(t, [4]byte{0, 0, 0, 0}, [4]byte(n[:4]))
	require.Equal(t, "PS-Msg04", string(n[4:]))
}
