package routing

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/untibullet/pr-router/internal/models"
	"golang.org/x/sync/singleflight"
)

// RuleLoader читает из стора включенные правила организации и ее настройки
type RuleLoader interface {
	GetRules(ctx context.Context, orgID string) ([]models.RoutingRule, models.OrgSettings, error)
}

// RuleSet неизменяемый снимок правил организации.
// Rules отсортированы по возрастанию приоритета, при равенстве по времени создания.
type RuleSet struct {
	OrganizationID string
	Rules          []models.RoutingRule
	Settings       models.OrgSettings
	Location       *time.Location
}

// DefaultLoadTimeout ограничение загрузки правил по умолчанию
const DefaultLoadTimeout = 5 * time.Second

// RuleCache кеш наборов правил по организациям без TTL.
// Актуальность держится на вызове Invalidate после каждой мутации правил.
type RuleCache struct {
	loader      RuleLoader
	loadTimeout time.Duration

	mu          sync.RWMutex
	entries     map[string]*RuleSet
	generations map[string]uint64

	group singleflight.Group
}

// NewRuleCache создает пустой кеш. loadTimeout ограничивает одну загрузку из стора
// независимо от дедлайнов вызывающих; ноль означает DefaultLoadTimeout.
func NewRuleCache(loader RuleLoader, loadTimeout time.Duration) *RuleCache {
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	return &RuleCache{
		loader:      loader,
		loadTimeout: loadTimeout,
		entries:     make(map[string]*RuleSet),
		generations: make(map[string]uint64),
	}
}

// Get возвращает набор правил организации, загружая его при первом обращении.
// Возвращаемый RuleSet нельзя изменять.
func (c *RuleCache) Get(ctx context.Context, orgID string) (*RuleSet, error) {
	c.mu.RLock()
	set, ok := c.entries[orgID]
	gen := c.generations[orgID]
	c.mu.RUnlock()
	if ok {
		return set, nil
	}

	// Ключ включает поколение, чтобы загрузка, начатая до Invalidate,
	// не раздавалась тем, кто пришел после
	key := fmt.Sprintf("%s#%d", orgID, gen)
	ch := c.group.DoChan(key, func() (any, error) {
		// Загрузка общая для всех ждущих, поэтому не наследует отмену первого из них
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()

		loaded, err := c.load(loadCtx, orgID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.generations[orgID] == gen {
			c.entries[orgID] = loaded
		}
		c.mu.Unlock()

		return loaded, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RuleSet), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate сбрасывает запись организации, следующий Get перечитает стор
func (c *RuleCache) Invalidate(orgID string) {
	c.mu.Lock()
	delete(c.entries, orgID)
	c.generations[orgID]++
	c.mu.Unlock()
}

func (c *RuleCache) load(ctx context.Context, orgID string) (*RuleSet, error) {
	rules, settings, err := c.loader.GetRules(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for organization %s: %w", orgID, err)
	}

	ordered := make([]models.RoutingRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Enabled {
			ordered = append(ordered, rule)
		}
	}
	slices.SortStableFunc(ordered, func(a, b models.RoutingRule) int {
		return cmp.Or(
			cmp.Compare(a.Priority, b.Priority),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})

	loc := time.UTC
	if settings.Timezone != "" {
		if l, err := time.LoadLocation(settings.Timezone); err == nil {
			loc = l
		}
	}

	return &RuleSet{
		OrganizationID: orgID,
		Rules:          ordered,
		Settings:       settings,
		Location:       loc,
	}, nil
}
