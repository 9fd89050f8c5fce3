package cryptoutil

import (
	"crypto/sha512"
	"errors"
	"math/big"
)

// ErrIllegalA is returned when the controller's SRP public key A is
// congruent to 0 mod N, per spec.md §4.B/§4.F M4.
var ErrIllegalA = errors.New("cryptoutil: illegal SRP public key A")

// ErrIllegalU is returned when the scrambling parameter u hashes to 0,
// which would let an attacker trivially recover the premaster secret.
var ErrIllegalU = errors.New("cryptoutil: illegal SRP scrambling parameter u")

// group3072 carries the RFC 5054 3072-bit SRP group, the only field
// size HAP uses (spec.md §3 "Setup info").
var group3072 = mustGroup(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF",
	5,
)

type srpGroup struct {
	N *big.Int
	g *big.Int
	n int // byte length of N
}

func mustGroup(hexN string, g int64) *srpGroup {
	N, ok := new(big.Int).SetString(hexN, 16)
	if !ok {
		panic("cryptoutil: bad SRP group constant")
	}
	return &srpGroup{N: N, g: big.NewInt(g), n: (N.BitLen() + 7) / 8}
}

// pad left-pads x's big-endian bytes to n bytes.
func pad(x *big.Int, n int) []byte {
	b := x.Bytes()
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func hashBytes(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func hashInt(parts ...[]byte) *big.Int {
	return new(big.Int).SetBytes(hashBytes(parts...))
}

func multiplier() *big.Int {
	g := group3072
	return hashInt(pad(g.N, g.n), pad(g.g, g.n))
}

// SRPVerifier computes the SRP-6a password verifier v = g^x mod N,
// per spec.md §4.B `srp_verifier`. With an empty username
// x = H(salt, password); otherwise x = H(salt, H(username ":" password)),
// RFC 5054's I||:||P form. HAP's setup code has no separate username,
// so package setupcode passes none.
func SRPVerifier(salt []byte, password, username []byte) []byte {
	g := group3072
	var x *big.Int
	if len(username) > 0 {
		x = hashInt(salt, hashBytes(username, []byte(":"), password))
	} else {
		x = hashInt(salt, password)
	}
	v := new(big.Int).Exp(g.g, x, g.N)
	return pad(v, g.n)
}

// SRPServerEphemeral returns a fresh random ephemeral private value b
// of group size, used to derive the server's public key B.
func SRPServerEphemeral(rnd Random) ([]byte, error) {
	b := make([]byte, group3072.n)
	if err := rnd.Fill(b); err != nil {
		return nil, err
	}
	return b, nil
}

// SRPPublicKey computes the server's public key B = (k*v + g^b) mod N,
// per spec.md §4.B `srp_public_key`.
func SRPPublicKey(bBytes, verifier []byte) []byte {
	g := group3072
	b := new(big.Int).SetBytes(bBytes)
	v := new(big.Int).SetBytes(verifier)
	k := multiplier()

	t := new(big.Int).Mul(k, v)
	t.Add(t, new(big.Int).Exp(g.g, b, g.N))
	B := t.Mod(t, g.N)
	return pad(B, g.n)
}

// SRPScramblingParameter computes u = H(pad(A), pad(B)), per spec.md
// §4.B `srp_scrambling_parameter`.
func SRPScramblingParameter(aBytes, bBytes []byte) []byte {
	g := group3072
	A := new(big.Int).SetBytes(aBytes)
	B := new(big.Int).SetBytes(bBytes)
	return hashBytes(pad(A, g.n), pad(B, g.n))
}

// SRPIsIllegalA reports whether A mod N == 0, the precondition HAP's
// Pair Setup M4 must reject with Authentication per spec.md §4.F.
func SRPIsIllegalA(aBytes []byte) bool {
	A := new(big.Int).SetBytes(aBytes)
	return new(big.Int).Mod(A, group3072.N).Sign() == 0
}

// SRPPremasterSecret computes the server-side premaster secret
// S = (A * v^u)^b mod N, per spec.md §4.B `srp_premaster_secret`. An A
// that SRPIsIllegalA reports as illegal is rejected with ErrIllegalA.
func SRPPremasterSecret(aBytes, bBytes, uBytes, verifier []byte) ([]byte, error) {
	if SRPIsIllegalA(aBytes) {
		return nil, ErrIllegalA
	}
	g := group3072
	A := new(big.Int).SetBytes(aBytes)
	b := new(big.Int).SetBytes(bBytes)
	u := new(big.Int).SetBytes(uBytes)
	v := new(big.Int).SetBytes(verifier)

	if u.Sign() == 0 {
		return nil, ErrIllegalU
	}

	t := new(big.Int).Exp(v, u, g.N)
	t.Mul(t, A)
	t.Mod(t, g.N)
	S := new(big.Int).Exp(t, b, g.N)
	return pad(S, g.n), nil
}

// SRPSessionKey computes K = H(S), a 64-byte SHA-512 digest, per
// spec.md §4.B `srp_session_key`.
func SRPSessionKey(S []byte) []byte {
	return hashBytes(S)
}

// SRPProofM1 computes the controller's proof M1 = H(H(N) xor H(g), ..)
// — HAP's reference implementation instead uses the simplified
// construction M1 = H(A, B, K) (see HAPPairingPairSetup.c), which this
// mirrors.
func SRPProofM1(A, B, K []byte) []byte {
	return hashBytes(A, B, K)
}

// SRPProofM2 computes the accessory's counter-proof M2 = H(A, M1, K).
func SRPProofM2(A, M1, K []byte) []byte {
	return hashBytes(A, M1, K)
}
