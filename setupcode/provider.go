package setupcode

import (
	"sync"

	"github.com/go-hap/hapcore/cryptoutil"
)

// SetupInfo is the SRP-6a verifier material derived from a setup code,
// per spec.md §3 "Setup info": `{salt[16], verifier[384]}`.
type SetupInfo struct {
	Salt     [16]byte
	Verifier []byte
}

// Provider derives SetupInfo from an accessory-programmed setup code.
// It caches the most recent derivation so Pair Setup M4 can retrieve
// the exact verifier produced at M2 without rederiving it, per
// spec.md §4.E "restore previous" — required because split Pair Setup
// (spec.md §9 GLOSSARY "transient pair setup") may regenerate the
// displayed setup code between M2 and M4 on a BLE accessory, and M4
// must still validate against the code that was actually displayed.
type Provider struct {
	mu    sync.Mutex
	code  string
	rnd   cryptoutil.Random
	cache *SetupInfo
}

// NewProvider constructs a Provider for a fixed, accessory-programmed
// setup code.
func NewProvider(setupCode string, rnd cryptoutil.Random) *Provider {
	return &Provider{code: setupCode, rnd: rnd}
}

// SetCode replaces the current setup code, used by programmatic
// ("split") Pair Setup to install a freshly displayed code. It clears
// any cached derivation, since the previous verifier no longer
// corresponds to any code the controller could have been shown.
func (p *Provider) SetCode(setupCode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.code = setupCode
	p.cache = nil
}

// Derive returns {salt, verifier} for the current setup code. When
// restorePrevious is true and a cached derivation exists, that exact
// value is returned instead of generating a new salt, per spec.md
// §4.E.
func (p *Provider) Derive(restorePrevious bool) (*SetupInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if restorePrevious && p.cache != nil {
		return p.cache, nil
	}

	salt := make([]byte, 16)
	if err := p.rnd.Fill(salt); err != nil {
		return nil, err
	}
	verifier := cryptoutil.SRPVerifier(salt, []byte(p.code), nil)

	info := &SetupInfo{Verifier: verifier}
	copy(info.Salt[:], salt)
	p.cache = info
	return info, nil
}

// Forget drops the cached derivation. The Pair Setup engine calls it
// once M6 has been sent, in split mode as well; a failed attempt
// leaves the cache in place until the next Derive or SetCode replaces
// it.
func (p *Provider) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = nil
}
