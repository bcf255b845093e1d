package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
	"github.com/sthanfv/el-buen-corte--sub000/internal/repository"
)

type snapshot struct {
	Orders   []*models.Order   `json:"orders"`
	Products []*models.Product `json:"products"`
}

// Storage is the in-memory order store. Every operation is one transaction under mu,
// so stock checks and decrements can never interleave.
type Storage struct {
	mu       sync.Mutex
	orders   map[string]*models.Order
	products map[string]*models.Product
	dataFile string
}

// New builds an empty store. When dataFile is set the store is loaded from it and
// rewritten after every committed change.
func New(dataFile string) (*Storage, error) {
	st := &Storage{
		orders:   make(map[string]*models.Order),
		products: make(map[string]*models.Product),
		dataFile: dataFile,
	}
	if dataFile == "" {
		return st, nil
	}
	if err := st.loadFromFile(); err != nil {
		return nil, err
	}
	return st, nil
}

func (st *Storage) loadFromFile() error {
	file, err := os.Open(st.dataFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	var snap snapshot
	if err := json.NewDecoder(file).Decode(&snap); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode data file: %w", err)
	}
	for _, o := range snap.Orders {
		st.orders[o.ID] = o
	}
	for _, p := range snap.Products {
		st.products[p.ID] = p
	}
	return nil
}

func (st *Storage) saveToFile() error {
	if st.dataFile == "" {
		return nil
	}
	snap := snapshot{
		Orders:   make([]*models.Order, 0, len(st.orders)),
		Products: make([]*models.Product, 0, len(st.products)),
	}
	for _, o := range st.orders {
		snap.Orders = append(snap.Orders, o)
	}
	for _, p := range st.products {
		snap.Products = append(snap.Products, p)
	}
	sortOrdersByCreatedDesc(snap.Orders)

	tmp, err := os.CreateTemp(filepath.Dir(st.dataFile), ".orders-*.json")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), st.dataFile)
}

func (st *Storage) PlaceOrder(ctx context.Context, o *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if o.IdempotencyKey != nil && st.activeByKey(*o.IdempotencyKey) != nil {
		return repository.ErrDuplicateKey
	}

	units := o.UnitsByProduct()
	for id, n := range units {
		p, ok := st.products[id]
		if !ok {
			return fmt.Errorf("%w: %s", repository.ErrProductNotFound, id)
		}
		if p.Stock < n {
			return fmt.Errorf("%w: %s", repository.ErrStockExhausted, id)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	prev := st.productsSnapshot(units)
	now := time.Now().UTC()
	for id, n := range units {
		st.products[id].Stock -= n
		st.products[id].UpdatedAt = now
	}
	st.orders[o.ID] = o.Clone()
	if err := st.saveToFile(); err != nil {
		delete(st.orders, o.ID)
		st.restoreProducts(prev)
		return fmt.Errorf("save data file: %w", err)
	}
	return nil
}

// productsSnapshot copies the products named in units so a failed write can be undone.
func (st *Storage) productsSnapshot(units map[string]int) map[string]models.Product {
	prev := make(map[string]models.Product, len(units))
	for id := range units {
		if p, ok := st.products[id]; ok {
			prev[id] = *p
		}
	}
	return prev
}

func (st *Storage) restoreProducts(prev map[string]models.Product) {
	for id, p := range prev {
		cp := p
		st.products[id] = &cp
	}
}

func (st *Storage) activeByKey(key string) *models.Order {
	var found *models.Order
	for _, o := range st.orders {
		if o.IdempotencyKey == nil || *o.IdempotencyKey != key || o.Status.IsCancelled() {
			continue
		}
		if found == nil || o.CreatedAt.After(found.CreatedAt) {
			found = o
		}
	}
	return found
}

func (st *Storage) FindByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	o := st.activeByKey(key)
	if o == nil {
		return nil, repository.ErrNotFound
	}
	return o.Clone(), nil
}

func (st *Storage) GetByID(ctx context.Context, id string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	o, ok := st.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return o.Clone(), nil
}

func (st *Storage) UpdateOrder(ctx context.Context, id string, fn func(*models.Order) error) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	current, ok := st.orders[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	work := current.Clone()
	if err := fn(work); err != nil {
		return nil, err
	}
	if len(work.History) < len(current.History) {
		return nil, repository.ErrHistoryRewrite
	}

	// Only mutable fields are carried over; items, totals and customer data stay as placed.
	next := current.Clone()
	next.Status = work.Status
	next.History = append(next.History, work.History[len(current.History):]...)
	next.Notes = work.Notes
	next.InternalStatus = work.InternalStatus
	next.Reminded = work.Reminded
	next.EstimatedCycleDays = work.EstimatedCycleDays
	next.UpdatedAt = work.UpdatedAt
	next.UpdatedBy = work.UpdatedBy

	var prev map[string]models.Product
	if next.NeedsRestock() {
		units := next.UnitsByProduct()
		prev = st.productsSnapshot(units)
		now := time.Now().UTC()
		for pid, n := range units {
			if p, ok := st.products[pid]; ok {
				p.Stock += n
				p.UpdatedAt = now
			}
		}
		next.StockRestored = true
	}

	st.orders[id] = next
	if err := st.saveToFile(); err != nil {
		st.orders[id] = current
		st.restoreProducts(prev)
		return nil, fmt.Errorf("save data file: %w", err)
	}
	return next.Clone(), nil
}

func (st *Storage) List(ctx context.Context, f repository.ListFilter) ([]*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	result := make([]*models.Order, 0)
	for _, o := range st.orders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		result = append(result, o.Clone())
	}
	sortOrdersByCreatedDesc(result)
	return truncate(result, f.EffectiveLimit()), nil
}

func (st *Storage) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	result := make([]*models.Order, 0)
	for _, o := range st.orders {
		if o.PaymentExpired(before) {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PaymentDeadline.Before(*result[j].PaymentDeadline)
	})
	return truncate(result, limit), nil
}

func (st *Storage) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	p, ok := st.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", repository.ErrProductNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (st *Storage) UpsertProduct(ctx context.Context, p *models.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Stock < 0 {
		return fmt.Errorf("product %s: negative stock", p.ID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	prev, existed := st.products[p.ID]
	cp := *p
	cp.UpdatedAt = time.Now().UTC()
	st.products[p.ID] = &cp
	if err := st.saveToFile(); err != nil {
		if existed {
			st.products[p.ID] = prev
		} else {
			delete(st.products, p.ID)
		}
		return fmt.Errorf("save data file: %w", err)
	}
	return nil
}

func truncate(orders []*models.Order, limit int) []*models.Order {
	if limit > 0 && len(orders) > limit {
		return orders[:limit]
	}
	return orders
}

func sortOrdersByCreatedDesc(orders []*models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}
