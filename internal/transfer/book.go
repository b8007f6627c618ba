package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// Book credits payouts to in-memory balances. It backs simulation mode and
// tests; recipients can be made to fail.
type Book struct {
	mu       sync.Mutex
	balances map[string]uint256.Int
	failing  map[string]error
	seq      uint64
}

// NewBook returns an empty book.
func NewBook() *Book {
	return &Book{balances: make(map[string]uint256.Int), failing: make(map[string]error)}
}

// Transfer credits amount to to.
func (b *Book) Transfer(ctx context.Context, to string, amount uint256.Int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failing[to]; err != nil {
		return "", err
	}
	bal := b.balances[to]
	if _, overflow := bal.AddOverflow(&bal, &amount); overflow {
		return "", fmt.Errorf("transfer: balance of %s: %w", to, domain.ErrOverflow)
	}
	b.balances[to] = bal
	b.seq++
	return fmt.Sprintf("book-%d", b.seq), nil
}

// Fail makes transfers to addr return err; a nil err clears it.
func (b *Book) Fail(addr string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failing, addr)
		return
	}
	b.failing[addr] = err
}

// Balance returns what addr has been credited.
func (b *Book) Balance(addr string) uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[addr]
}

// Transfers returns the number of successful transfers.
func (b *Book) Transfers() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

var _ domain.Transferer = (*Book)(nil)
