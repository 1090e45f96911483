package common

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/stleox/seespan/pkg/span"
)

type SpanAdder interface {
	Add(s *span.Span)
}

// Feed decodes events from dec into the adder until the input ends or ctx is
// done. Malformed lines are logged and skipped when skipMalformed is set.
func Feed(ctx context.Context, dec *span.Decoder, adder SpanAdder, skipMalformed bool) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		s, err := dec.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return n, nil
		case skipMalformed && errors.Is(err, span.ErrMalformedEvent):
			logrus.WithError(err).Warn("SeeSpan skipped malformed span event")
			continue
		default:
			return n, err
		}

		if err := ctx.Err(); err != nil {
			return n, err
		}
		adder.Add(s)
		n++
	}
}
