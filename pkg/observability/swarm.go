package observability

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dileet/ecco-sub003/pkg/errorir"
)

// Attribute keys shared by node instrumentation.
var (
	AttrOperation   = attribute.Key("swarm.operation")
	AttrNode        = attribute.Key("swarm.node.id")
	AttrSink        = attribute.Key("swarm.snapshot.sink")
	AttrTransport   = attribute.Key("swarm.transport")
	AttrLedgerEntry = attribute.Key("swarm.ledger.entry_id")
)

// ErrorType labels err by its errorir code when it has one, so error
// counters group by taxonomy instead of by Go type.
func ErrorType(err error) string {
	var e *errorir.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return fmt.Sprintf("%T", err)
}
