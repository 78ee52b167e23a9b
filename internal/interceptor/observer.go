package interceptor

import (
	"bytes"
	"net/http"
)

// DefaultMaxBodyBytes caps how much of a response body is retained for inspection.
const DefaultMaxBodyBytes = 1 << 20

// observedResponse is what the interceptor sees once the wrapped handler returns.
type observedResponse struct {
	Status    int
	Header    http.Header
	Body      []byte
	Truncated bool
}

// responseObserver passes every write through unchanged while keeping a bounded copy
// of the body and the final status.
type responseObserver struct {
	http.ResponseWriter
	status     int
	wroteFinal bool
	body       bytes.Buffer
	limit      int
	truncated  bool

	onResponseFinalized func(observedResponse)
	finalized           bool
}

func newResponseObserver(w http.ResponseWriter, limit int, onFinalized func(observedResponse)) *responseObserver {
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	return &responseObserver{ResponseWriter: w, limit: limit, onResponseFinalized: onFinalized}
}

func (o *responseObserver) WriteHeader(code int) {
	if code >= 200 && !o.wroteFinal {
		o.status = code
		o.wroteFinal = true
	}
	o.ResponseWriter.WriteHeader(code)
}

func (o *responseObserver) Write(p []byte) (int, error) {
	if !o.wroteFinal {
		o.status = http.StatusOK
		o.wroteFinal = true
	}
	if remaining := o.limit - o.body.Len(); remaining > 0 {
		if len(p) > remaining {
			o.body.Write(p[:remaining])
			o.truncated = true
		} else {
			o.body.Write(p)
		}
	} else if len(p) > 0 {
		o.truncated = true
	}
	return o.ResponseWriter.Write(p)
}

// Flush supports streaming handlers.
func (o *responseObserver) Flush() {
	if f, ok := o.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (o *responseObserver) Unwrap() http.ResponseWriter {
	return o.ResponseWriter
}

// Status returns the final status code; handlers that never write answer 200.
func (o *responseObserver) Status() int {
	if !o.wroteFinal {
		return http.StatusOK
	}
	return o.status
}

// finalize reports the observed response once.
func (o *responseObserver) finalize() {
	if o.finalized {
		return
	}
	o.finalized = true
	if o.onResponseFinalized == nil {
		return
	}
	body := make([]byte, o.body.Len())
	copy(body, o.body.Bytes())
	o.onResponseFinalized(observedResponse{
		Status:    o.Status(),
		Header:    o.Header().Clone(),
		Body:      body,
		Truncated: o.truncated,
	})
}
