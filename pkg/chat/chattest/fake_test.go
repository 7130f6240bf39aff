package chattest

import (
	"testing"

	"github.com/HerbHall/chatwire/pkg/chat"
)

func TestFakeContract(t *testing.T) {
	TestStrategyContract(t, func(*testing.T) chat.Strategy { return NewFake() })
}
