// Package storage - sqlite хранилище конфигурации аккаунтов и trade mappings.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"prop_copier/internal/models"

	_ "modernc.org/sqlite"
)

var (
	ErrDuplicateMapping = errors.New("open mapping already exists")
	ErrMappingNotFound  = errors.New("mapping not found")
	ErrAccountNotFound  = errors.New("account not found")
)

// Store управляет базой данных системы копирования
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New создает Store и инициализирует схему
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	store := &Store{
		db:     db,
		logger: logger,
	}

	if err := store.init(); err != nil {
		return nil, err
	}

	return store, nil
}

// init инициализирует таблицы БД
func (s *Store) init() error {
	migrationSQL := `
-- Конфигурация аккаунтов (read-mostly)
CREATE TABLE if NOT EXISTS accounts (
    name TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    path TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    suffix TEXT NOT NULL DEFAULT '',
    symbol_map TEXT NOT NULL DEFAULT '{}',
    slippage_points INTEGER NOT NULL DEFAULT 50,
    hub_addr TEXT NOT NULL DEFAULT '',
    hubs TEXT NOT NULL DEFAULT '[]',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX if NOT EXISTS idx_accounts_enabled ON accounts(enabled, role);

-- Связки master/slave тикетов. Строки никогда не удаляются (audit trail).
CREATE TABLE if NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    master_ticket INTEGER NOT NULL,
    slave_ticket INTEGER NOT NULL,
    slave_name TEXT NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'OPEN',
    open_time DATETIME NOT NULL,
    close_time DATETIME
);

-- Не более одной открытой связки на (master_ticket, slave_name)
CREATE UNIQUE INDEX if NOT EXISTS idx_trades_open ON trades(master_ticket, slave_name) WHERE status = 'OPEN';
CREATE INDEX if NOT EXISTS idx_trades_slave ON trades(slave_name, status);
`

	if _, err := s.db.Exec(migrationSQL); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	s.logger.Info("✅ Database initialized")

	return nil
}

// === Account Configuration ===

// UpsertAccount создает или обновляет конфигурацию аккаунта
func (s *Store) UpsertAccount(ctx context.Context, acc models.Account) error {
	symbolMapJSON, err := json.Marshal(acc.SymbolMap)
	if err != nil {
		return fmt.Errorf("failed to marshal symbol map: %w", err)
	}

	hubsJSON, err := json.Marshal(acc.Hubs)
	if err != nil {
		return fmt.Errorf("failed to marshal hubs: %w", err)
	}

	enabledInt := 0
	if acc.Enabled {
		enabledInt = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (name, role, path, enabled, suffix, symbol_map, slippage_points, hub_addr, hubs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			role = excluded.role,
			path = excluded.path,
			enabled = excluded.enabled,
			suffix = excluded.suffix,
			symbol_map = excluded.symbol_map,
			slippage_points = excluded.slippage_points,
			hub_addr = excluded.hub_addr,
			hubs = excluded.hubs
	`, acc.Name, string(acc.Role), acc.ConnectionPath, enabledInt, acc.Suffix,
		string(symbolMapJSON), acc.SlippagePoints, acc.HubAddr, string(hubsJSON))
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}

	s.logger.Info("✅ Account saved",
		slog.String("name", acc.Name),
		slog.String("role", string(acc.Role)))

	return nil
}

// GetAccount возвращает конфигурацию аккаунта по имени
func (s *Store) GetAccount(ctx context.Context, name string) (models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, role, path, enabled, suffix, symbol_map, slippage_points, hub_addr, hubs
		FROM accounts
		WHERE name = ?
	`, name)

	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, name)
	}

	return acc, err
}

// ListEnabledAccounts возвращает все включенные аккаунты, masters первыми
func (s *Store) ListEnabledAccounts(ctx context.Context) ([]models.Account, error) {
	return s.listAccounts(ctx, true)
}

// ListAccounts возвращает все аккаунты, включая отключенные
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	return s.listAccounts(ctx, false)
}

func (s *Store) listAccounts(ctx context.Context, enabledOnly bool) ([]models.Account, error) {
	query := `
		SELECT name, role, path, enabled, suffix, symbol_map, slippage_points, hub_addr, hubs
		FROM accounts`

	if enabledOnly {
		query += " WHERE enabled = 1"
	}

	query += " ORDER BY CASE role WHEN 'MASTER' THEN 0 ELSE 1 END, name"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}

		accounts = append(accounts, acc)
	}

	return accounts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (models.Account, error) {
	var acc models.Account
	var role, symbolMapJSON, hubsJSON string
	var enabledInt int

	err := row.Scan(&acc.Name, &role, &acc.ConnectionPath, &enabledInt,
		&acc.Suffix, &symbolMapJSON, &acc.SlippagePoints, &acc.HubAddr, &hubsJSON)
	if err != nil {
		return models.Account{}, err
	}

	acc.Role = models.Role(role)
	acc.Enabled = enabledInt == 1

	if err := json.Unmarshal([]byte(symbolMapJSON), &acc.SymbolMap); err != nil {
		return models.Account{}, fmt.Errorf("invalid symbol map for %s: %w", acc.Name, err)
	}

	if err := json.Unmarshal([]byte(hubsJSON), &acc.Hubs); err != nil {
		return models.Account{}, fmt.Errorf("invalid hubs for %s: %w", acc.Name, err)
	}

	return acc, nil
}

// === Trade Mappings ===

// CreateMapping атомарно создает открытую связку. Если открытая связка
// для (masterTicket, slaveName) уже существует - ErrDuplicateMapping,
// существующая строка не изменяется.
func (s *Store) CreateMapping(ctx context.Context, m models.TradeMapping) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (master_ticket, slave_ticket, slave_name, symbol, direction, status, open_time)
		VALUES (?, ?, ?, ?, ?, 'OPEN', ?)
		ON CONFLICT(master_ticket, slave_name) WHERE status = 'OPEN' DO NOTHING
	`, m.MasterTicket, m.SlaveTicket, m.SlaveName, m.Symbol, string(m.Direction), m.OpenTime)
	if err != nil {
		return fmt.Errorf("failed to create mapping: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrDuplicateMapping
	}

	return nil
}

// GetOpenMapping возвращает открытую связку для (masterTicket, slaveName)
func (s *Store) GetOpenMapping(ctx context.Context, masterTicket int64, slaveName string) (models.TradeMapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, master_ticket, slave_ticket, slave_name, symbol, direction, status, open_time, close_time
		FROM trades
		WHERE master_ticket = ? AND slave_name = ? AND status = 'OPEN'
	`, masterTicket, slaveName)

	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TradeMapping{}, ErrMappingNotFound
	}

	return m, err
}

// CloseMapping атомарно переводит открытую связку в CLOSED.
// Возвращает false если открытой связки не было (уже закрыта или не существует).
func (s *Store) CloseMapping(ctx context.Context, masterTicket int64, slaveName string, closeTime time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE trades
		SET status = 'CLOSED', close_time = ?
		WHERE master_ticket = ? AND slave_name = ? AND status = 'OPEN'
	`, closeTime, masterTicket, slaveName)
	if err != nil {
		return false, fmt.Errorf("failed to close mapping: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows > 0, nil
}

// ListOpenMappings возвращает все открытые связки slave аккаунта
func (s *Store) ListOpenMappings(ctx context.Context, slaveName string) ([]models.TradeMapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, master_ticket, slave_ticket, slave_name, symbol, direction, status, open_time, close_time
		FROM trades
		WHERE slave_name = ? AND status = 'OPEN'
		ORDER BY open_time
	`, slaveName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []models.TradeMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}

		mappings = append(mappings, m)
	}

	return mappings, rows.Err()
}

func scanMapping(row scanner) (models.TradeMapping, error) {
	var m models.TradeMapping
	var direction, status string
	var closeTime sql.NullTime

	err := row.Scan(&m.ID, &m.MasterTicket, &m.SlaveTicket, &m.SlaveName,
		&m.Symbol, &direction, &status, &m.OpenTime, &closeTime)
	if err != nil {
		return models.TradeMapping{}, err
	}

	m.Direction = models.Direction(direction)
	m.Status = models.MappingStatus(status)

	if closeTime.Valid {
		t := closeTime.Time
		m.CloseTime = &t
	}

	return m, nil
}

// Ping проверяет доступность БД
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close закрывает соединение с БД
func (s *Store) Close() error {
	return s.db.Close()
}
