package models

import "time"

// Role определяет роль аккаунта в системе копирования
type Role string

const (
	RoleMaster Role = "MASTER"
	RoleSlave  Role = "SLAVE"
)

// Direction - направление позиции
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Action - тип торгового события
type Action string

const (
	ActionOpen   Action = "OPEN"
	ActionClose  Action = "CLOSE"
	ActionModify Action = "MODIFY"
)

// MappingStatus - статус связки master/slave тикетов
type MappingStatus string

const (
	MappingOpen   MappingStatus = "OPEN"
	MappingClosed MappingStatus = "CLOSED"
)

// Account представляет торговый аккаунт (master или slave).
// Конфигурация, загружается один раз при старте процесса.
type Account struct {
	Name           string            `yaml:"name"`
	Role           Role              `yaml:"role"`
	ConnectionPath string            `yaml:"path"` // путь к терминалу, sim:// для симулятора
	Enabled        bool              `yaml:"enabled"`
	Suffix         string            `yaml:"suffix"`          // суффикс брокера, например ".c"
	SymbolMap      map[string]string `yaml:"symbol_map"`      // ручной mapping символов, проверяется до suffix
	SlippagePoints int               `yaml:"slippage_points"` // только для SLAVE
	HubAddr        string            `yaml:"hub_addr"`        // bind адрес hub'а (MASTER)
	Hubs           []string          `yaml:"hubs"`            // адреса hub'ов для подписки (SLAVE)
}

// TradeEvent - событие, опубликованное master нодой. Immutable.
type TradeEvent struct {
	ID           string    `json:"id"`
	Master       string    `json:"master"` // имя master аккаунта, источник события
	Seq          uint64    `json:"seq"`    // монотонный счётчик в рамках master процесса
	MasterTicket int64     `json:"masterTicket"`
	Symbol       string    `json:"symbol"` // символ в нотации master брокера
	Direction    Direction `json:"direction,omitempty"`
	Action       Action    `json:"action"`
	Volume       float64   `json:"volume,omitempty"`
	Price        float64   `json:"price,omitempty"`
	StopLoss     float64   `json:"stopLoss,omitempty"`
	TakeProfit   float64   `json:"takeProfit,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TradeMapping - связка master тикета со slave тикетом.
// Одна строка на пару (masterTicket, slaveName), никогда не удаляется.
type TradeMapping struct {
	ID           int
	MasterTicket int64
	SlaveTicket  int64
	SlaveName    string
	Symbol       string // символ в нотации slave брокера
	Direction    Direction
	Status       MappingStatus
	OpenTime     time.Time
	CloseTime    *time.Time
}
