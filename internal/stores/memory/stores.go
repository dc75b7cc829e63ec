package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowbaker/flowdispatch/pkg/domain"
)

type InteractiveStore struct {
	mtx       sync.RWMutex
	snapshots map[string]domain.InteractiveSnapshot
}

func NewInteractiveStore() *InteractiveStore {
	return &InteractiveStore{snapshots: map[string]domain.InteractiveSnapshot{}}
}

func (s *InteractiveStore) Save(ctx context.Context, key string, snapshot domain.InteractiveSnapshot) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.snapshots[key] = snapshot

	return nil
}

func (s *InteractiveStore) Get(ctx context.Context, key string) (domain.InteractiveSnapshot, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	snapshot, ok := s.snapshots[key]
	if !ok {
		return domain.InteractiveSnapshot{}, domain.ErrSnapshotNotFound
	}

	return snapshot, nil
}

func (s *InteractiveStore) Delete(ctx context.Context, key string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.snapshots, key)

	return nil
}

type Usage struct {
	Params  domain.CreateUsageParams
	Records []domain.UsageRecord
}

func (u Usage) TotalPoints() float64 {
	return domain.SumUsagePoints(u.Records)
}

type UsageLedger struct {
	mtx    sync.RWMutex
	usages map[string]*Usage
}

func NewUsageLedger() *UsageLedger {
	return &UsageLedger{usages: map[string]*Usage{}}
}

func (l *UsageLedger) CreateUsage(ctx context.Context, params domain.CreateUsageParams) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if _, exists := l.usages[params.UsageID]; exists {
		return fmt.Errorf("usage %s already exists", params.UsageID)
	}

	l.usages[params.UsageID] = &Usage{Params: params}

	return nil
}

func (l *UsageLedger) PushUsages(ctx context.Context, usageID string, usages []domain.UsageRecord) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	usage, ok := l.usages[usageID]
	if !ok {
		usage = &Usage{Params: domain.CreateUsageParams{UsageID: usageID}}
		l.usages[usageID] = usage
	}

	usage.Records = append(usage.Records, usages...)

	return nil
}

func (l *UsageLedger) Usage(usageID string) (Usage, bool) {
	l.mtx.RLock()
	defer l.mtx.RUnlock()

	usage, ok := l.usages[usageID]
	if !ok {
		return Usage{}, false
	}

	return Usage{
		Params:  usage.Params,
		Records: append([]domain.UsageRecord{}, usage.Records...),
	}, true
}

type AppStore struct {
	mtx  sync.RWMutex
	apps map[string]domain.App
}

func NewAppStore(apps ...domain.App) *AppStore {
	store := &AppStore{apps: map[string]domain.App{}}

	for _, app := range apps {
		store.apps[app.ID] = app
	}

	return store
}

func (s *AppStore) GetApp(ctx context.Context, appID string) (domain.App, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	app, ok := s.apps[appID]
	if !ok {
		return domain.App{}, fmt.Errorf("%w: %s", domain.ErrAppNotFound, appID)
	}

	return app, nil
}

func (s *AppStore) SaveApp(ctx context.Context, app domain.App) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.apps[app.ID] = app

	return nil
}

// BalanceChecker meters only the teams it was given a balance for.
type BalanceChecker struct {
	mtx      sync.RWMutex
	balances map[string]float64
}

func NewBalanceChecker(balances map[string]float64) *BalanceChecker {
	copied := make(map[string]float64, len(balances))
	for teamID, points := range balances {
		copied[teamID] = points
	}

	return &BalanceChecker{balances: copied}
}

func (c *BalanceChecker) SetBalance(teamID string, points float64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.balances[teamID] = points
}

func (c *BalanceChecker) CheckBalance(ctx context.Context, teamID string) error {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	points, ok := c.balances[teamID]
	if ok && points <= 0 {
		return fmt.Errorf("%w: team %s", domain.ErrInsufficientBalance, teamID)
	}

	return nil
}
