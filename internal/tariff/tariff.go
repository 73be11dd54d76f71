// Package tariff описывает закрытый набор тарифов: уровень доступа (Tier),
// срок (Term) и их сочетание (Tariff). Все отображения тарифа в длительность
// и цену полные: для значения вне набора возвращается ErrUnrecognizedTariff.
package tariff

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnrecognizedTariff — строка тарифа не распознана или сочетание неизвестно.
var ErrUnrecognizedTariff = errors.New("unrecognized tariff")

const day = 24 * time.Hour

// Tier — уровень подписки.
type Tier int

const (
	TierUnknown Tier = iota
	Basic
	Standart
	Premium
)

var tierNames = map[Tier]string{
	Basic:    "basic",
	Standart: "standart",
	Premium:  "premium",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalText позволяет сериализовать уровень в JSON строкой.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTier разбирает имя уровня подписки.
func ParseTier(s string) (Tier, error) {
	for tier, name := range tierNames {
		if name == s {
			return tier, nil
		}
	}
	return TierUnknown, fmt.Errorf("tier %q: %w", s, ErrUnrecognizedTariff)
}

// Term — оплачиваемый срок.
type Term int

const (
	TermUnknown Term = iota
	Month
	Quarter
)

func (t Term) String() string {
	switch t {
	case Month:
		return "month"
	case Quarter:
		return "month3"
	default:
		return "unknown"
	}
}

// Duration возвращает длительность срока; для неизвестного срока — 0.
func (t Term) Duration() time.Duration {
	switch t {
	case Month:
		return 30 * day
	case Quarter:
		return 90 * day
	default:
		return 0
	}
}

// MarshalText позволяет сериализовать срок в JSON строкой.
func (t Term) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTerm разбирает имя срока.
func ParseTerm(s string) (Term, error) {
	switch s {
	case "month":
		return Month, nil
	case "month3":
		return Quarter, nil
	default:
		return TermUnknown, fmt.Errorf("term %q: %w", s, ErrUnrecognizedTariff)
	}
}

// Tariff — сочетание уровня и срока, которое покупает пользователь.
type Tariff struct {
	Tier Tier `json:"tier"`
	Term Term `json:"term"`
}

// Parse декодирует полезную нагрузку счёта вида "<срок>_<уровень>",
// например "month_basic" или "month3_premium".
func Parse(payload string) (Tariff, error) {
	parts := strings.Split(strings.TrimSpace(payload), "_")
	if len(parts) != 2 {
		return Tariff{}, fmt.Errorf("payload %q: %w", payload, ErrUnrecognizedTariff)
	}
	term, err := ParseTerm(parts[0])
	if err != nil {
		return Tariff{}, err
	}
	tier, err := ParseTier(parts[1])
	if err != nil {
		return Tariff{}, err
	}
	return Tariff{Tier: tier, Term: term}, nil
}

// Valid сообщает, входит ли тариф в закрытый набор.
func (t Tariff) Valid() bool {
	return t.Price() > 0 && t.Duration() > 0
}

// Duration возвращает оплачиваемую длительность тарифа.
func (t Tariff) Duration() time.Duration {
	if _, ok := tierNames[t.Tier]; !ok {
		return 0
	}
	return t.Term.Duration()
}

// Price возвращает цену в минимальных единицах валюты (тыйын).
func (t Tariff) Price() int64 {
	switch t.Tier {
	case Basic:
		switch t.Term {
		case Month:
			return 300_000
		case Quarter:
			return 765_000
		}
	case Standart:
		switch t.Term {
		case Month:
			return 350_000
		case Quarter:
			return 895_000
		}
	case Premium:
		switch t.Term {
		case Month:
			return 500_000
		case Quarter:
			return 1_250_000
		}
	}
	return 0
}

// Payload кодирует тариф обратно в строку счёта.
func (t Tariff) Payload() string {
	return t.Term.String() + "_" + t.Tier.String()
}

func (t Tariff) String() string {
	return t.Payload()
}

// Currency — валюта, в которой выставлены цены.
const Currency = "KGS"

// All возвращает весь каталог тарифов в порядке показа.
func All() []Tariff {
	var out []Tariff
	for _, tier := range []Tier{Basic, Standart, Premium} {
		for _, term := range []Term{Month, Quarter} {
			out = append(out, Tariff{Tier: tier, Term: term})
		}
	}
	return out
}
