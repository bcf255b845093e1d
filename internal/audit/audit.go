package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeAuthFailure   Outcome = "auth_failure"
	OutcomeForbidden     Outcome = "forbidden"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeFraud         Outcome = "fraud_detected"
	OutcomeCreated       Outcome = "order_created"
	OutcomeDuplicate     Outcome = "duplicate_replay"
	OutcomeStockOut      Outcome = "stock_exhausted"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeUpdated       Outcome = "order_updated"
	OutcomeRejected      Outcome = "update_rejected"
	OutcomePaid          Outcome = "payment_confirmed"
	OutcomeTimeoutCancel Outcome = "timeout_cancelled"
)

// Record is one security-relevant decision.
type Record struct {
	Timestamp time.Time
	Actor     string
	Identity  string
	IP        string
	Endpoint  string
	Outcome   Outcome
	OrderID   string
	Message   string
}

func (r Record) fields() []zap.Field {
	return []zap.Field{
		zap.Time("timestamp", r.Timestamp),
		zap.String("actor", r.Actor),
		zap.String("identity", r.Identity),
		zap.String("ip", r.IP),
		zap.String("endpoint", r.Endpoint),
		zap.String("outcome", string(r.Outcome)),
		zap.String("order_id", r.OrderID),
		zap.String("message", r.Message),
	}
}

type PoolConfig struct {
	BatchSize   int
	Timeout     time.Duration
	ChannelSize int
}

type Processor interface {
	Process(ctx context.Context, batch []Record) error
}

type DBProcessor struct {
	db *sql.DB
}

func NewDBProcessor(db *sql.DB) *DBProcessor {
	return &DBProcessor{db: db}
}

func (p *DBProcessor) Process(ctx context.Context, batch []Record) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO audit_logs (ts, actor, identity, ip, endpoint, outcome, order_id, message) VALUES `)

	params := make([]interface{}, 0, len(batch)*8)
	paramIndex := 1
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)", paramIndex, paramIndex+1, paramIndex+2, paramIndex+3, paramIndex+4, paramIndex+5, paramIndex+6, paramIndex+7))
		paramIndex += 8
		params = append(params, rec.Timestamp, rec.Actor, rec.Identity, rec.IP, rec.Endpoint, string(rec.Outcome), rec.OrderID, rec.Message)
	}
	if _, err := p.db.ExecContext(ctx, sb.String(), params...); err != nil {
		return fmt.Errorf("DBProcessor error: %w", err)
	}
	return nil
}

// Recorder writes every record to the audit log immediately and hands it to the
// worker pool for persistence.
type Recorder struct {
	inputCh    chan Record
	processors []Processor
	batchSize  int
	timeout    time.Duration
	log        *zap.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

func NewRecorder(cfg PoolConfig, log *zap.Logger, processors ...Processor) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &Recorder{
		inputCh:    make(chan Record, cfg.ChannelSize),
		processors: processors,
		batchSize:  cfg.BatchSize,
		timeout:    cfg.Timeout,
		log:        log.Named("audit"),
		now:        time.Now,
	}
}

func (p *Recorder) Start(ctx context.Context, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.worker(ctx)
		}()
	}
}

func (p *Recorder) worker(ctx context.Context) {
	var batch []Record
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			batch = p.drain(batch)
			if len(batch) > 0 {
				p.processBatch(batch)
			}
			return
		case rec := <-p.inputCh:
			batch = append(batch, rec)
			if len(batch) >= p.batchSize {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				p.processBatch(batch)
				batch = nil
				timer.Reset(p.timeout)
			}
		case <-timer.C:
			if len(batch) > 0 {
				p.processBatch(batch)
				batch = nil
			}
			timer.Reset(p.timeout)
		}
	}
}

// drain picks up whatever is still buffered so shutdown does not lose records.
func (p *Recorder) drain(batch []Record) []Record {
	for {
		select {
		case rec := <-p.inputCh:
			batch = append(batch, rec)
		default:
			return batch
		}
	}
}

func (p *Recorder) processBatch(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	for _, proc := range p.processors {
		if err := proc.Process(ctx, batch); err != nil {
			for _, rec := range batch {
				p.log.Error("audit record not persisted", append(rec.fields(), zap.Error(err))...)
			}
		}
	}
}

func (p *Recorder) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = p.now().UTC()
	}
	p.log.Info("audit", rec.fields()...)

	select {
	case p.inputCh <- rec:
	default:
		p.log.Error("audit channel full, dropping record", rec.fields()...)
	}
}

func (p *Recorder) Shutdown(cancelFunc context.CancelFunc) {
	cancelFunc()
	p.wg.Wait()
}
