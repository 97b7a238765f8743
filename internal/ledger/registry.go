package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog/log"
)

// Registry holds every deployed token, keyed by its asset reference
type Registry struct {
	mu     sync.RWMutex
	tokens map[types.AssetRef]*Token
}

func NewRegistry() *Registry {
	return &Registry{
		tokens: make(map[types.AssetRef]*Token),
	}
}

// Deploy creates a new token with a fresh reference and mints supply to owner
func (r *Registry) Deploy(symbol string, owner types.Address, supply uint64) (*Token, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidTransfer)
	}
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidTransfer)
	}

	ref := types.AssetRef("TKN_" + uuid.New().String())
	token := NewToken(ref, symbol, owner, supply)
	if err := r.Register(token); err != nil {
		return nil, err
	}

	log.Info().
		Str("token", string(ref)).
		Str("symbol", symbol).
		Str("owner", string(owner)).
		Uint64("total_supply", supply).
		Msg("token deployed")

	return token, nil
}

// Register adds an already constructed token to the registry
func (r *Registry) Register(token *Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[token.Ref()]; exists {
		return fmt.Errorf("token %s already registered", token.Ref())
	}
	r.tokens[token.Ref()] = token
	return nil
}

// Get returns the token for ref or ErrUnknownToken
func (r *Registry) Get(ref types.AssetRef) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.tokens[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, ref)
	}
	return token, nil
}

// List returns every token ordered by deployment time
func (r *Registry) List() []TokenInfo {
	r.mu.RLock()
	infos := make([]TokenInfo, 0, len(r.tokens))
	for _, token := range r.tokens {
		infos = append(infos, token.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].Ref < infos[j].Ref
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}
