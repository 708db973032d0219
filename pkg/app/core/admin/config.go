package admin

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/tradebot/pkg/app/core"
)

// DefaultUnitPrice is the price per unit, in wei, before the owner sets one.
const DefaultUnitPrice = 1

// Config holds the privileged roles and the unit price of one core instance.
// Owner is fixed at construction.
type Config struct {
	mu        sync.RWMutex
	owner     common.Address
	bot       common.Address
	unitPrice *uint256.Int
}

// Snapshot is a point-in-time copy of a Config.
type Snapshot struct {
	Owner     common.Address
	Bot       common.Address
	UnitPrice *uint256.Int
}

func NewConfig(owner, bot common.Address) *Config {
	return &Config{
		owner:     owner,
		bot:       bot,
		unitPrice: uint256.NewInt(DefaultUnitPrice),
	}
}

// FromSnapshot rebuilds a Config from persisted state.
func FromSnapshot(s Snapshot) *Config {
	price := uint256.NewInt(DefaultUnitPrice)
	if s.UnitPrice != nil {
		price = new(uint256.Int).Set(s.UnitPrice)
	}
	return &Config{owner: s.Owner, bot: s.Bot, unitPrice: price}
}

func (c *Config) Owner() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

func (c *Config) Bot() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bot
}

func (c *Config) UnitPrice() *uint256.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(uint256.Int).Set(c.unitPrice)
}

func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{Owner: c.owner, Bot: c.bot, UnitPrice: new(uint256.Int).Set(c.unitPrice)}
}

// IsBot reports whether addr is the authorized executor.
func (c *Config) IsBot(addr common.Address) bool {
	return c.Bot() == addr
}

// SetBot replaces the executor. Only the owner may call it.
func (c *Config) SetBot(caller, bot common.Address, j *core.Journal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return fmt.Errorf("%w: setBot caller %s is not owner", core.ErrUnauthorized, caller.Hex())
	}
	prev := c.bot
	c.bot = bot
	j.Record(func() {
		c.mu.Lock()
		c.bot = prev
		c.mu.Unlock()
	})
	return nil
}

// SetUnitPrice replaces the price per unit. Only the owner may call it.
func (c *Config) SetUnitPrice(caller common.Address, price *uint256.Int, j *core.Journal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller != c.owner {
		return fmt.Errorf("%w: setUnitPrice caller %s is not owner", core.ErrUnauthorized, caller.Hex())
	}
	prev := c.unitPrice
	c.unitPrice = new(uint256.Int).Set(price)
	j.Record(func() {
		c.mu.Lock()
		c.unitPrice = prev
		c.mu.Unlock()
	})
	return nil
}
