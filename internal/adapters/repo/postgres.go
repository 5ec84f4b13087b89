package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tg-title-bot/internal/domain"
	"tg-title-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.UserRepo       = (*Postgres)(nil)
	_ domain.HistoryRepo    = (*Postgres)(nil)
	_ domain.SnapshotRepo   = (*Postgres)(nil)
	_ domain.StatsCacheRepo = (*Postgres)(nil)
	_ domain.SettingsRepo   = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const userColumns = `id, tg_user_id, username, display_name, full_title, title, title_letter_count, title_locked, tz, last_percentage, last_processed_date, migration_batch_id, created_at, updated_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var (
		user      domain.User
		username  sql.NullString
		display   sql.NullString
		tz        sql.NullString
		lastPct   sql.NullInt32
		lastDate  sql.NullTime
		batchID   sql.NullString
		fullTitle string
		title     string
	)
	err := row.Scan(&user.ID, &user.TGUserID, &username, &display, &fullTitle, &title, &user.TitleLetterCount, &user.TitleLocked, &tz, &lastPct, &lastDate, &batchID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return domain.User{}, err
	}
	user.FullTitle = domain.Title(fullTitle)
	user.Title = domain.Title(title)
	if username.Valid {
		user.Username = username.String
	}
	if display.Valid {
		user.DisplayName = display.String
	}
	if tz.Valid {
		user.Timezone = tz.String
	}
	if lastPct.Valid {
		pct := domain.Percentage(lastPct.Int32)
		user.LastPercentage = &pct
	}
	if lastDate.Valid {
		date := time.Date(lastDate.Time.Year(), lastDate.Time.Month(), lastDate.Time.Day(), 0, 0, 0, 0, time.UTC)
		user.LastProcessedDate = &date
	}
	if batchID.Valid {
		user.MigrationBatchID = batchID.String
	}
	return user, nil
}

func nullPercentage(pct *domain.Percentage) sql.NullInt32 {
	if pct == nil {
		return sql.NullInt32{}
	}
	return sql.NullInt32{Int32: int32(pct.Int()), Valid: true}
}

// GetByTGID возвращает пользователя по Telegram ID.
func (p *Postgres) GetByTGID(ctx context.Context, tgUserID int64) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	user, err := scanUser(p.pool.QueryRow(ctx, `
SELECT `+userColumns+` FROM users WHERE tg_user_id=$1
`, tgUserID))
	metrics.ObserveNetworkRequest("postgres", "users_get_by_tgid", "users", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.User{}, fmt.Errorf("%w: tg_user_id=%d", domain.ErrUserNotFound, tgUserID)
	}
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// Save апсёртит пользователя по tg_user_id и возвращает строку с заполненным ID.
func (p *Postgres) Save(ctx context.Context, user domain.User) (domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var lastDate sql.NullTime
	if user.LastProcessedDate != nil {
		lastDate = sql.NullTime{Time: *user.LastProcessedDate, Valid: true}
	}
	start := time.Now()
	saved, err := scanUser(p.pool.QueryRow(ctx, `
INSERT INTO users (tg_user_id, username, display_name, full_title, title, title_letter_count, title_locked, tz, last_percentage, last_processed_date, migration_batch_id)
VALUES ($1, NULLIF($2,''), NULLIF($3,''), $4, $5, $6, $7, COALESCE(NULLIF($8,''),'UTC'), $9, $10, NULLIF($11,''))
ON CONFLICT (tg_user_id) DO UPDATE SET
	username = EXCLUDED.username,
	display_name = EXCLUDED.display_name,
	full_title = EXCLUDED.full_title,
	title = EXCLUDED.title,
	title_letter_count = EXCLUDED.title_letter_count,
	title_locked = EXCLUDED.title_locked,
	tz = EXCLUDED.tz,
	last_percentage = EXCLUDED.last_percentage,
	last_processed_date = EXCLUDED.last_processed_date,
	migration_batch_id = EXCLUDED.migration_batch_id,
	updated_at = now()
RETURNING `+userColumns+`
`, user.TGUserID, user.Username, user.DisplayName, user.FullTitle.String(), user.Title.String(), user.TitleLetterCount, user.TitleLocked, user.Timezone, nullPercentage(user.LastPercentage), lastDate))
	metrics.ObserveNetworkRequest("postgres", "users_upsert", "users", start, err)
	if err != nil {
		return domain.User{}, err
	}
	return saved, nil
}

// Delete удаляет пользователя; история и срезы уходят каскадом по внешнему ключу.
func (p *Postgres) Delete(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	res, err := p.pool.Exec(ctx, `DELETE FROM users WHERE id=$1`, userID)
	metrics.ObserveNetworkRequest("postgres", "users_delete", "users", start, err)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

// CountAll возвращает число активных пользователей. Всегда живое чтение:
// правило насыщения зависит от актуального счётчика.
func (p *Postgres) CountAll(ctx context.Context) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "users_count", "users", start, err)
	return count, err
}

// ApplyTransition записывает принятый переход одной транзакцией: условное
// обновление пользователя, запись истории и дневной срез. Условие по
// last_processed_date делает дневной гейт устойчивым к гонкам между процессами:
// из двух конкурентных событий запись пройдёт только у одного. Ошибка любого
// шага откатывает всё, так что повторная доставка события применяется начисто.
func (p *Postgres) ApplyTransition(ctx context.Context, rec domain.TransitionRecord) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	applied, err := p.applyTransitionTx(ctx, rec)
	metrics.ObserveNetworkRequest("postgres", "users_apply_transition", "users", start, err)
	return applied, err
}

func (p *Postgres) applyTransitionTx(ctx context.Context, rec domain.TransitionRecord) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("начало транзакции: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := tx.Exec(ctx, `
UPDATE users
SET title=$2, title_letter_count=$3, last_percentage=$4, last_processed_date=$5, updated_at=now()
WHERE id=$1 AND (last_processed_date IS NULL OR last_processed_date < $5)
`, rec.UserID, rec.NewTitle.String(), rec.LetterCount, rec.Percentage.Int(), rec.ProcessedDate)
	if err != nil {
		return false, fmt.Errorf("обновление пользователя: %w", err)
	}
	if res.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO title_history (user_id, old_title, new_title, percentage, change_type, change_date)
VALUES ($1, NULLIF($2,''), $3, $4, $5, $6)
ON CONFLICT (user_id, change_date) WHERE change_type='automatic' DO NOTHING
`, rec.UserID, rec.OldTitle.String(), rec.NewTitle.String(), rec.Percentage.Int(), string(domain.ChangeTypeAutomatic), rec.ProcessedDate); err != nil {
		return false, fmt.Errorf("запись истории: %w", err)
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO daily_snapshots (user_id, snapshot_date, percentage, title, title_letter_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, snapshot_date) DO UPDATE SET
	percentage = EXCLUDED.percentage,
	title = EXCLUDED.title,
	title_letter_count = EXCLUDED.title_letter_count
`, rec.UserID, rec.ProcessedDate, rec.Percentage.Int(), rec.NewTitle.String(), rec.LetterCount); err != nil {
		return false, fmt.Errorf("запись среза: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("фиксация транзакции: %w", err)
	}
	return true, nil
}

// ListLeaderboard возвращает страницу рейтинга по длине титула.
func (p *Postgres) ListLeaderboard(ctx context.Context, q domain.LeaderboardQuery) ([]domain.LeaderboardEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	order := "ASC"
	if q.Desc {
		order = "DESC"
	}
	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT tg_user_id, username, display_name, title, title_letter_count
FROM users
ORDER BY title_letter_count `+order+`, id
LIMIT $1 OFFSET $2
`, q.Limit, q.Offset)
	metrics.ObserveNetworkRequest("postgres", "users_leaderboard", "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	position := q.Offset + 1
	for rows.Next() {
		var (
			entry    domain.LeaderboardEntry
			username sql.NullString
			display  sql.NullString
			title    string
		)
		if err := rows.Scan(&entry.TGUserID, &username, &display, &title, &entry.TitleLetterCount); err != nil {
			return nil, err
		}
		entry.Title = domain.Title(title)
		if username.Valid {
			entry.Username = username.String
		}
		if display.Valid {
			entry.DisplayName = display.String
		}
		entry.Position = position
		position++
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// LeaderboardPosition возвращает позицию (с единицы) для указанной длины титула.
func (p *Postgres) LeaderboardPosition(ctx context.Context, letterCount int, desc bool) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	cmp := "<"
	if desc {
		cmp = ">"
	}
	start := time.Now()
	var better int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE title_letter_count `+cmp+` $1`, letterCount).Scan(&better)
	metrics.ObserveNetworkRequest("postgres", "users_position", "users", start, err)
	if err != nil {
		return 0, err
	}
	return better + 1, nil
}

// ListByLastProcessedDate возвращает пользователей, принявших переход в дату.
func (p *Postgres) ListByLastProcessedDate(ctx context.Context, date time.Time) ([]domain.User, error) {
	return p.listUsers(ctx, "users_list_by_processed_date", `
SELECT `+userColumns+` FROM users WHERE last_processed_date=$1
`, date)
}

// ListWithoutFullTitle возвращает пользователей без базового титула.
func (p *Postgres) ListWithoutFullTitle(ctx context.Context) ([]domain.User, error) {
	return p.listUsers(ctx, "users_list_without_full_title", `
SELECT `+userColumns+` FROM users WHERE full_title=''
`)
}

func (p *Postgres) listUsers(ctx context.Context, op, query string, args ...any) ([]domain.User, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", op, "users", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// Append добавляет запись истории. Автоматические записи конфликтуют по
// частичному уникальному индексу (user_id, change_date) и молча пропускаются:
// повторная доставка события не плодит дубликатов.
func (p *Postgres) Append(ctx context.Context, entry domain.TitleHistoryEntry) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var changeDate sql.NullTime
	if entry.ChangeDate != nil {
		changeDate = sql.NullTime{Time: *entry.ChangeDate, Valid: true}
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO title_history (user_id, old_title, new_title, percentage, change_type, change_date)
VALUES ($1, NULLIF($2,''), $3, $4, $5, $6)
ON CONFLICT (user_id, change_date) WHERE change_type='automatic' DO NOTHING
`, entry.UserID, entry.OldTitle.String(), entry.NewTitle.String(), nullPercentage(entry.Percentage), string(entry.ChangeType), changeDate)
	metrics.ObserveNetworkRequest("postgres", "history_append", "title_history", start, err)
	return err
}

// ListRecent возвращает последние записи истории пользователя, новые первыми.
func (p *Postgres) ListRecent(ctx context.Context, userID int64, limit int) ([]domain.TitleHistoryEntry, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, user_id, old_title, new_title, percentage, change_type, change_date, created_at
FROM title_history
WHERE user_id=$1
ORDER BY created_at DESC, id DESC
LIMIT $2
`, userID, limit)
	metrics.ObserveNetworkRequest("postgres", "history_list_recent", "title_history", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.TitleHistoryEntry
	for rows.Next() {
		var (
			entry      domain.TitleHistoryEntry
			oldTitle   sql.NullString
			newTitle   string
			pct        sql.NullInt32
			changeType string
			changeDate sql.NullTime
		)
		if err := rows.Scan(&entry.ID, &entry.UserID, &oldTitle, &newTitle, &pct, &changeType, &changeDate, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if oldTitle.Valid {
			entry.OldTitle = domain.Title(oldTitle.String)
		}
		entry.NewTitle = domain.Title(newTitle)
		if pct.Valid {
			value := domain.Percentage(pct.Int32)
			entry.Percentage = &value
		}
		entry.ChangeType = domain.ChangeType(changeType)
		if changeDate.Valid {
			date := changeDate.Time
			entry.ChangeDate = &date
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Upsert записывает дневной срез. Повторная запись по тому же ключу
// (user_id, snapshot_date) перезаписывает значения вместо дублирования.
func (p *Postgres) Upsert(ctx context.Context, snap domain.DailySnapshot) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO daily_snapshots (user_id, snapshot_date, percentage, title, title_letter_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, snapshot_date) DO UPDATE SET
	percentage = EXCLUDED.percentage,
	title = EXCLUDED.title,
	title_letter_count = EXCLUDED.title_letter_count
`, snap.UserID, snap.SnapshotDate, nullPercentage(snap.Percentage), snap.Title.String(), snap.TitleLetterCount)
	metrics.ObserveNetworkRequest("postgres", "snapshots_upsert", "daily_snapshots", start, err)
	return err
}

// ListByPeriod возвращает срезы за период, опционально по одному пользователю.
func (p *Postgres) ListByPeriod(ctx context.Context, startDate, endDate time.Time, userID *int64) ([]domain.DailySnapshot, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query := `
SELECT id, user_id, snapshot_date, percentage, title, title_letter_count, created_at
FROM daily_snapshots
WHERE snapshot_date >= $1 AND snapshot_date <= $2`
	args := []any{startDate, endDate}
	if userID != nil {
		query += ` AND user_id = $3`
		args = append(args, *userID)
	}
	query += ` ORDER BY snapshot_date DESC`

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "snapshots_list_by_period", "daily_snapshots", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []domain.DailySnapshot
	for rows.Next() {
		var (
			snap  domain.DailySnapshot
			pct   sql.NullInt32
			title string
		)
		if err := rows.Scan(&snap.ID, &snap.UserID, &snap.SnapshotDate, &pct, &title, &snap.TitleLetterCount, &snap.CreatedAt); err != nil {
			return nil, err
		}
		if pct.Valid {
			value := domain.Percentage(pct.Int32)
			snap.Percentage = &value
		}
		snap.Title = domain.Title(title)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// AveragePercentage возвращает средний процент срезов. nil границы — без
// ограничения периода, nil userID — по всем пользователям. Срезы без процента
// не учитываются; nil результат означает отсутствие данных.
func (p *Postgres) AveragePercentage(ctx context.Context, startDate, endDate *time.Time, userID *int64) (*float64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	query := `SELECT AVG(percentage)::float8 FROM daily_snapshots WHERE percentage IS NOT NULL`
	var args []any
	if startDate != nil {
		args = append(args, *startDate)
		query += fmt.Sprintf(" AND snapshot_date >= $%d", len(args))
	}
	if endDate != nil {
		args = append(args, *endDate)
		query += fmt.Sprintf(" AND snapshot_date <= $%d", len(args))
	}
	if userID != nil {
		args = append(args, *userID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}

	start := time.Now()
	var average sql.NullFloat64
	err := p.pool.QueryRow(ctx, query, args...).Scan(&average)
	metrics.ObserveNetworkRequest("postgres", "snapshots_average", "daily_snapshots", start, err)
	if err != nil {
		return nil, err
	}
	if !average.Valid {
		return nil, nil
	}
	return &average.Float64, nil
}

// Get возвращает запись кэша статистики или nil, если её нет.
func (p *Postgres) Get(ctx context.Context, calcType string, periodDays int) (*domain.CachedStatistic, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var cached domain.CachedStatistic
	err := p.pool.QueryRow(ctx, `
SELECT calculated_value, expires_at FROM statistics_cache
WHERE calculation_type=$1 AND period_days=$2
`, calcType, periodDays).Scan(&cached.Value, &cached.ExpiresAt)
	metrics.ObserveNetworkRequest("postgres", "stats_cache_get", "statistics_cache", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cached, nil
}

// Put записывает значение кэша по ключу (calcType, periodDays).
func (p *Postgres) Put(ctx context.Context, calcType string, periodDays int, value float64, expiresAt time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO statistics_cache (calculation_type, period_days, calculated_value, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (calculation_type, period_days) DO UPDATE SET
	calculated_value = EXCLUDED.calculated_value,
	expires_at = EXCLUDED.expires_at
`, calcType, periodDays, value, expiresAt)
	metrics.ObserveNetworkRequest("postgres", "stats_cache_put", "statistics_cache", start, err)
	return err
}

// DefaultTitle возвращает дефолтный титул для новых пользователей.
func (p *Postgres) DefaultTitle(ctx context.Context) (string, error) {
	return p.settingGet(ctx, "default_title", "")
}

// SetDefaultTitle сохраняет дефолтный титул.
func (p *Postgres) SetDefaultTitle(ctx context.Context, title string) error {
	return p.settingPut(ctx, "default_title", title)
}

// AveragePeriodDays возвращает окно глобального среднего в днях, 0 — за всё время.
func (p *Postgres) AveragePeriodDays(ctx context.Context) (int, error) {
	raw, err := p.settingGet(ctx, "global_average_period_days", "0")
	if err != nil {
		return 0, err
	}
	var days int
	if _, err := fmt.Sscanf(raw, "%d", &days); err != nil {
		return 0, fmt.Errorf("некорректное значение настройки: %q", raw)
	}
	return days, nil
}

// SetAveragePeriodDays сохраняет окно глобального среднего.
func (p *Postgres) SetAveragePeriodDays(ctx context.Context, days int) error {
	return p.settingPut(ctx, "global_average_period_days", fmt.Sprintf("%d", days))
}

func (p *Postgres) settingGet(ctx context.Context, key, fallback string) (string, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key=$1`, key).Scan(&value)
	metrics.ObserveNetworkRequest("postgres", "settings_get", "settings", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return fallback, nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (p *Postgres) settingPut(ctx context.Context, key, value string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
`, key, value)
	metrics.ObserveNetworkRequest("postgres", "settings_put", "settings", start, err)
	return err
}
