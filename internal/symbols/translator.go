// Package symbols нормализует имена инструментов между брокерами.
package symbols

import "strings"

// Translator переводит master символы в нотацию slave брокера.
// Приоритет: явный mapping из конфигурации аккаунта, иначе suffix.
type Translator struct {
	symbolMap map[string]string
	suffix    string
}

func New(symbolMap map[string]string, suffix string) *Translator {
	return &Translator{
		symbolMap: symbolMap,
		suffix:    suffix,
	}
}

// Translate возвращает символ в нотации slave брокера.
func (t *Translator) Translate(masterSymbol string) string {
	if slave, ok := t.symbolMap[masterSymbol]; ok {
		return slave
	}

	return masterSymbol + t.suffix
}

// Reverse возвращает master символ по slave символу.
func (t *Translator) Reverse(slaveSymbol string) string {
	for master, slave := range t.symbolMap {
		if slave == slaveSymbol {
			return master
		}
	}

	if t.suffix != "" && strings.HasSuffix(slaveSymbol, t.suffix) {
		return strings.TrimSuffix(slaveSymbol, t.suffix)
	}

	return slaveSymbol
}
