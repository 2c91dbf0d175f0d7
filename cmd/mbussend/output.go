package main

import (
	"encoding/json"
	"io"

	"github.com/c360/mbus/message"
	"github.com/c360/mbus/protocol/simple"
)

type replyError struct {
	Code    int    `json:"code"`
	Name    string `json:"name"`
	Message string `json:"message"`
	Service string `json:"service,omitempty"`
}

type replyLine struct {
	Value   *string      `json:"value,omitempty"`
	Retries int          `json:"retries"`
	Errors  []replyError `json:"errors,omitempty"`
	Trace   string       `json:"trace,omitempty"`
}

// printer writes one JSON line per reply.
type printer struct {
	enc *json.Encoder
}

func newPrinter(w io.Writer) *printer {
	return &printer{enc: json.NewEncoder(w)}
}

func (p *printer) print(reply message.Reply) error {
	line := replyLine{}
	if r, ok := reply.(*simple.Reply); ok {
		line.Value = &r.Value
	}
	if msg := reply.Message(); msg != nil {
		line.Retries = msg.RetryCount()
	}
	for _, e := range reply.Errors() {
		line.Errors = append(line.Errors, replyError{
			Code:    int(e.Code),
			Name:    e.Code.String(),
			Message: e.Message,
			Service: e.Service,
		})
	}
	if t := reply.Trace(); !t.IsEmpty() {
		line.Trace = t.String()
	}
	return p.enc.Encode(line)
}
