package transformer

import (
	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/publisher"
)

func init() {
	publisher.RegisterTransformer("msgpack", func() publisher.Transformer {
		return MsgpackTransformer{}
	})
}

// MsgpackTransformer renders events with the shared msgpack codec.
type MsgpackTransformer struct{}

func (MsgpackTransformer) Transform(event publisher.Event) ([]byte, error) {
	return encoding.Marshal(&event)
}
