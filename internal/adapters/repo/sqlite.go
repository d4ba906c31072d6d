package repo

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"deal-scanner/internal/domain"
)

// Схема однофайлового хранилища. Цены хранятся текстом ради точности,
// время — в юникс-секундах: усечение до секунды входит в ключ дедупликации.
const schema = `
CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	identity TEXT NOT NULL,
	title TEXT NOT NULL,
	upc TEXT NOT NULL DEFAULT '',
	sku TEXT NOT NULL DEFAULT '',
	price TEXT NOT NULL,
	currency TEXT NOT NULL,
	available INTEGER NOT NULL,
	rating REAL,
	reviews INTEGER NOT NULL DEFAULT 0,
	captured_at INTEGER NOT NULL,
	raw_url TEXT NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_observations_dedup
	ON observations(identity, source, price, captured_at);
CREATE INDEX IF NOT EXISTS idx_observations_history
	ON observations(identity, currency, captured_at);

CREATE TABLE IF NOT EXISTS scores (
	observation_id INTEGER PRIMARY KEY REFERENCES observations(id),
	value REAL NOT NULL,
	price_component REAL NOT NULL,
	quality_component REAL NOT NULL,
	timing_component REAL NOT NULL,
	source_component REAL NOT NULL,
	rationale TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS notification_receipts (
	id TEXT PRIMARY KEY,
	identity TEXT NOT NULL,
	bucket TEXT NOT NULL,
	item_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	price TEXT NOT NULL,
	currency TEXT NOT NULL,
	score REAL NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	emitted_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_receipts_identity
	ON notification_receipts(identity, emitted_at);

CREATE TABLE IF NOT EXISTS api_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	happened_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_calls_source
	ON api_calls(source, happened_at);

CREATE TABLE IF NOT EXISTS source_blocks (
	source TEXT PRIMARY KEY,
	streak INTEGER NOT NULL DEFAULT 0,
	last_blocked_at INTEGER,
	disabled_until INTEGER
);
`

// SQLite реализует репозитории хранилища цен поверх database/sql.
type SQLite struct {
	db *sql.DB
}

var (
	_ domain.ObservationRepo  = (*SQLite)(nil)
	_ domain.ReceiptRepo      = (*SQLite)(nil)
	_ domain.APICallRepo      = (*SQLite)(nil)
	_ domain.SourceHealthRepo = (*SQLite)(nil)
)

// NewSQLite создаёт адаптер и применяет схему.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("применение схемы: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Ping проверяет доступность хранилища (для /readyz).
func (s *SQLite) Ping() error {
	return s.db.Ping()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStorageUnavailable, err)
}

// RecordObservation атомарно пишет наблюдение. Повтор идентичной строки
// (отпечаток, источник, цена, секунда) схлопывается в существующую.
func (s *SQLite) RecordObservation(obs domain.Observation) (int64, error) {
	if obs.Price.IsNegative() || obs.Price.IsZero() {
		return 0, fmt.Errorf("наблюдение с неположительной ценой %s", obs.Price)
	}
	identity := obs.Identity()
	capturedAt := obs.CapturedAt.UTC().Truncate(time.Second)

	var rating sql.NullFloat64
	if obs.Rating != nil {
		rating = sql.NullFloat64{Float64: *obs.Rating, Valid: true}
	}

	res, err := s.db.Exec(`
INSERT INTO observations (item_id, source, identity, title, upc, sku, price, currency, available, rating, reviews, captured_at, raw_url)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(identity, source, price, captured_at) DO NOTHING
`, obs.ItemID, obs.Source, identity, obs.Title, obs.UPC, obs.SKU, obs.Price.String(), obs.Currency,
		boolToInt(obs.Available), rating, obs.Reviews, capturedAt.Unix(), obs.RawURL)
	if err != nil {
		return 0, storageErr("запись наблюдения", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, storageErr("id наблюдения", err)
		}
		return id, nil
	}

	var id int64
	err = s.db.QueryRow(`
SELECT id FROM observations WHERE identity = ? AND source = ? AND price = ? AND captured_at = ?
`, identity, obs.Source, obs.Price.String(), capturedAt.Unix()).Scan(&id)
	if err != nil {
		return 0, storageErr("поиск наблюдения-дубликата", err)
	}
	return id, nil
}

// PriceHistory возвращает историю цены по отпечатку, новые записи первыми.
func (s *SQLite) PriceHistory(identity, currency string, windowDays int) ([]domain.PricePoint, error) {
	since := time.Now().UTC().AddDate(0, 0, -windowDays).Unix()
	rows, err := s.db.Query(`
SELECT price, captured_at, source FROM observations
WHERE identity = ? AND currency = ? AND captured_at >= ?
ORDER BY captured_at DESC
`, identity, currency, since)
	if err != nil {
		return nil, storageErr("чтение истории цены", err)
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var (
			priceRaw   string
			capturedAt int64
			source     string
		)
		if err := rows.Scan(&priceRaw, &capturedAt, &source); err != nil {
			return nil, storageErr("скан истории цены", err)
		}
		price, err := decimal.NewFromString(priceRaw)
		if err != nil {
			return nil, fmt.Errorf("цена %q в истории не разобрана: %w", priceRaw, err)
		}
		points = append(points, domain.PricePoint{
			Price:      price,
			CapturedAt: time.Unix(capturedAt, 0).UTC(),
			Source:     source,
		})
	}
	return points, rows.Err()
}

// SaveScore пишет разбивку оценки рядом с наблюдением.
func (s *SQLite) SaveScore(observationID int64, score domain.Score) error {
	_, err := s.db.Exec(`
INSERT INTO scores (observation_id, value, price_component, quality_component, timing_component, source_component, rationale)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(observation_id) DO NOTHING
`, observationID, score.Value, score.Price, score.Quality, score.Timing, score.Source, score.Rationale)
	if err != nil {
		return storageErr("запись оценки", err)
	}
	return nil
}

// RecordNotification пишет квитанцию в одной транзакции с проверкой
// дубликата: тот же отпечаток и корзина внутри окна охлаждения.
func (s *SQLite) RecordNotification(receipt domain.NotificationReceipt, cooldown time.Duration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("начало транзакции", err)
	}
	defer tx.Rollback()

	threshold := receipt.EmittedAt.Add(-cooldown).UTC().Unix()
	var existing int
	err = tx.QueryRow(`
SELECT COUNT(1) FROM notification_receipts
WHERE identity = ? AND bucket = ? AND emitted_at > ?
`, receipt.Identity, receipt.Bucket, threshold).Scan(&existing)
	if err != nil {
		return storageErr("проверка дубликата квитанции", err)
	}
	if existing > 0 {
		return domain.ErrDuplicateReceipt
	}

	_, err = tx.Exec(`
INSERT INTO notification_receipts (id, identity, bucket, item_id, source, price, currency, score, message, emitted_at, status, attempts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, receipt.ID, receipt.Identity, receipt.Bucket, receipt.ItemID, receipt.Source, receipt.Price.String(),
		receipt.Currency, receipt.ScoreVal, receipt.Message, receipt.EmittedAt.UTC().Unix(), string(receipt.Status), receipt.Attempts)
	if err != nil {
		return storageErr("запись квитанции", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("фиксация квитанции", err)
	}
	return nil
}

// LastReceipt возвращает последнюю квитанцию по отпечатку либо nil.
func (s *SQLite) LastReceipt(identity string) (*domain.NotificationReceipt, error) {
	row := s.db.QueryRow(`
SELECT id, identity, bucket, item_id, source, price, currency, score, message, emitted_at, status, attempts
FROM notification_receipts WHERE identity = ?
ORDER BY emitted_at DESC LIMIT 1
`, identity)
	receipt, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("чтение последней квитанции", err)
	}
	return &receipt, nil
}

// ListPendingDeliveries возвращает квитанции, ожидающие доставки.
func (s *SQLite) ListPendingDeliveries(limit int) ([]domain.NotificationReceipt, error) {
	rows, err := s.db.Query(`
SELECT id, identity, bucket, item_id, source, price, currency, score, message, emitted_at, status, attempts
FROM notification_receipts WHERE status = ?
ORDER BY emitted_at ASC LIMIT ?
`, string(domain.DeliveryPending), limit)
	if err != nil {
		return nil, storageErr("чтение очереди доставки", err)
	}
	defer rows.Close()

	var receipts []domain.NotificationReceipt
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, storageErr("скан квитанции", err)
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

// MarkDelivered помечает квитанцию доставленной.
func (s *SQLite) MarkDelivered(id string) error {
	return s.setDeliveryStatus(id, domain.DeliveryDelivered)
}

// MarkUndelivered помечает квитанцию окончательно недоставленной.
func (s *SQLite) MarkUndelivered(id string) error {
	return s.setDeliveryStatus(id, domain.DeliveryUndelivered)
}

func (s *SQLite) setDeliveryStatus(id string, status domain.DeliveryStatus) error {
	_, err := s.db.Exec(`UPDATE notification_receipts SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return storageErr("смена статуса доставки", err)
	}
	return nil
}

// IncrementDeliveryAttempt наращивает счётчик попыток и возвращает его.
func (s *SQLite) IncrementDeliveryAttempt(id string) (int, error) {
	var attempts int
	err := s.db.QueryRow(`
UPDATE notification_receipts SET attempts = attempts + 1 WHERE id = ? RETURNING attempts
`, id).Scan(&attempts)
	if err != nil {
		return 0, storageErr("счётчик попыток доставки", err)
	}
	return attempts, nil
}

// RecordAPICall пишет строку журнала расхода квоты.
func (s *SQLite) RecordAPICall(source string, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO api_calls (source, happened_at) VALUES (?, ?)`, source, at.UTC().Unix())
	if err != nil {
		return storageErr("запись вызова API", err)
	}
	return nil
}

// APICallCount считает вызовы источника начиная с указанного момента.
func (s *SQLite) APICallCount(source string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
SELECT COUNT(1) FROM api_calls WHERE source = ? AND happened_at >= ?
`, source, since.UTC().Unix()).Scan(&count)
	if err != nil {
		return 0, storageErr("подсчёт вызовов API", err)
	}
	return count, nil
}

// LastAPICall возвращает время последнего вызова источника.
func (s *SQLite) LastAPICall(source string) (time.Time, bool, error) {
	var at sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(happened_at) FROM api_calls WHERE source = ?`, source).Scan(&at)
	if err != nil {
		return time.Time{}, false, storageErr("последний вызов API", err)
	}
	if !at.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(at.Int64, 0).UTC(), true, nil
}

// RecordBlocked фиксирует отказ источника и возвращает длину серии.
func (s *SQLite) RecordBlocked(source string, at time.Time) (int, error) {
	var streak int
	err := s.db.QueryRow(`
INSERT INTO source_blocks (source, streak, last_blocked_at) VALUES (?, 1, ?)
ON CONFLICT(source) DO UPDATE SET streak = streak + 1, last_blocked_at = excluded.last_blocked_at
RETURNING streak
`, source, at.UTC().Unix()).Scan(&streak)
	if err != nil {
		return 0, storageErr("запись блокировки источника", err)
	}
	return streak, nil
}

// ResetBlocked сбрасывает серию отказов после успешного вызова.
func (s *SQLite) ResetBlocked(source string) error {
	_, err := s.db.Exec(`UPDATE source_blocks SET streak = 0 WHERE source = ?`, source)
	if err != nil {
		return storageErr("сброс серии блокировок", err)
	}
	return nil
}

// DisableSource выключает источник до указанного времени.
func (s *SQLite) DisableSource(source string, until time.Time) error {
	_, err := s.db.Exec(`
INSERT INTO source_blocks (source, streak, disabled_until) VALUES (?, 0, ?)
ON CONFLICT(source) DO UPDATE SET disabled_until = excluded.disabled_until, streak = 0
`, source, until.UTC().Unix())
	if err != nil {
		return storageErr("отключение источника", err)
	}
	return nil
}

// DisabledUntil сообщает, выключен ли источник, и до какого момента.
func (s *SQLite) DisabledUntil(source string) (time.Time, bool, error) {
	var until sql.NullInt64
	err := s.db.QueryRow(`SELECT disabled_until FROM source_blocks WHERE source = ?`, source).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storageErr("статус отключения источника", err)
	}
	if !until.Valid {
		return time.Time{}, false, nil
	}
	deadline := time.Unix(until.Int64, 0).UTC()
	if deadline.Before(time.Now().UTC()) {
		return time.Time{}, false, nil
	}
	return deadline, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (domain.NotificationReceipt, error) {
	var (
		receipt   domain.NotificationReceipt
		priceRaw  string
		emittedAt int64
		status    string
	)
	err := row.Scan(&receipt.ID, &receipt.Identity, &receipt.Bucket, &receipt.ItemID, &receipt.Source,
		&priceRaw, &receipt.Currency, &receipt.ScoreVal, &receipt.Message, &emittedAt, &status, &receipt.Attempts)
	if err != nil {
		return domain.NotificationReceipt{}, err
	}
	price, err := decimal.NewFromString(priceRaw)
	if err != nil {
		return domain.NotificationReceipt{}, fmt.Errorf("цена %q в квитанции не разобрана: %w", priceRaw, err)
	}
	receipt.Price = price
	receipt.EmittedAt = time.Unix(emittedAt, 0).UTC()
	receipt.Status = domain.DeliveryStatus(status)
	return receipt, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
