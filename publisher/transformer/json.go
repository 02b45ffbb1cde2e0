// Package transformer provides the publisher.Transformer formats.
package transformer

import (
	"encoding/json"

	"github.com/maxpert/burrow/publisher"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return JSONTransformer{}
	})
}

// JSONTransformer renders events as JSON objects.
type JSONTransformer struct{}

func (JSONTransformer) Transform(event publisher.Event) ([]byte, error) {
	return json.Marshal(event)
}
