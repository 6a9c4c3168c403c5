// server.go
package querier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tickvault/shardquery/core"
)

// Server exposes the engine over HTTP.
type Server struct {
	Engine *Engine
}

func NewServer(e *Engine) *Server {
	return &Server{Engine: e}
}

// QueryRequest is the /query body. Type selects bars or chain.
type QueryRequest struct {
	Type         string `json:"type"`
	Category     string `json:"category,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
	Start        string `json:"start,omitempty"`
	End          string `json:"end,omitempty"`
	Granularity  string `json:"granularity,omitempty"`
	Underlying   string `json:"underlying,omitempty"`
	Date         string `json:"date,omitempty"`
	StrikeWindow int    `json:"strike_window,omitempty"`
}

type metaJSON struct {
	Partial bool     `json:"partial"`
	Shards  []string `json:"shards,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

type barJSON struct {
	TS     int64  `json:"ts"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume int64  `json:"volume"`
	Trades int64  `json:"trades,omitempty"`
	VWAP   string `json:"vwap,omitempty"`
}

type quoteJSON struct {
	TS           int64  `json:"ts"`
	Bid          string `json:"bid,omitempty"`
	Ask          string `json:"ask,omitempty"`
	Last         string `json:"last,omitempty"`
	Volume       int64  `json:"volume"`
	OpenInterest int64  `json:"open_interest"`
}

type greeksJSON struct {
	IV    float64 `json:"iv"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

type chainEntryJSON struct {
	ContractID     string      `json:"contract_id"`
	Expiry         string      `json:"expiry"`
	Strike         string      `json:"strike"`
	Right          string      `json:"right"`
	Quote          *quoteJSON  `json:"quote,omitempty"`
	Greeks         *greeksJSON `json:"greeks,omitempty"`
	BelowIntrinsic bool        `json:"below_intrinsic,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// QueryResponse is the /query reply envelope.
type QueryResponse struct {
	Bars    []barJSON        `json:"bars,omitempty"`
	Spot    string           `json:"spot,omitempty"`
	Entries []chainEntryJSON `json:"entries,omitempty"`
	Meta    metaJSON         `json:"meta"`
}

// ErrorResponse is the API error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

var reqID int32

func addCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// HandleQuery handles the /query endpoint.
func (s *Server) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := core.WithDefaultLogger(r.Context(), fmt.Sprintf("req-%d", atomic.AddInt32(&reqID, 1)))
	addCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := s.Do(ctx, req)
	if err != nil {
		sendQueryError(ctx, w, err)
		return
	}
	writeJSON(w, resp)
}

// Do dispatches one query request. Shared by the HTTP handler and the
// one-shot CLI mode.
func (s *Server) Do(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	switch req.Type {
	case "bars", "":
		start, err := parseTime(req.Start)
		if err != nil {
			return nil, fmt.Errorf("invalid start %q: %w", req.Start, core.ErrInvalidRange)
		}
		end, err := parseTime(req.End)
		if err != nil {
			return nil, fmt.Errorf("invalid end %q: %w", req.End, core.ErrInvalidRange)
		}
		resp, err := s.Engine.QueryBars(ctx, BarRequest{
			Category:    req.Category,
			Symbol:      req.Symbol,
			Start:       start,
			End:         end,
			Granularity: req.Granularity,
		})
		if err != nil {
			return nil, err
		}
		out := barsResponse(resp)
		return &out, nil

	case "chain":
		date, err := parseTime(req.Date)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", req.Date, core.ErrInvalidRange)
		}
		res, err := s.Engine.QueryChain(ctx, ChainRequest{
			Underlying:   req.Underlying,
			Date:         date,
			StrikeWindow: req.StrikeWindow,
		})
		if err != nil {
			return nil, err
		}
		out := chainResponse(res)
		return &out, nil

	default:
		return nil, fmt.Errorf("unknown query type %q: %w", req.Type, core.ErrInvalidRange)
	}
}

// parseTime accepts RFC3339 timestamps and bare calendar dates.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func barsResponse(resp *BarResponse) QueryResponse {
	out := QueryResponse{Meta: metaOf(resp.Meta)}
	for _, b := range resp.Bars {
		j := barJSON{
			TS:     b.TS,
			Open:   b.Open.String(),
			High:   b.High.String(),
			Low:    b.Low.String(),
			Close:  b.Close.String(),
			Volume: b.Volume,
			Trades: b.Trades,
		}
		if !b.VWAP.IsZero() {
			j.VWAP = b.VWAP.String()
		}
		out.Bars = append(out.Bars, j)
	}
	return out
}

func chainResponse(res *core.ChainResult) QueryResponse {
	out := QueryResponse{Spot: res.Spot.String(), Meta: metaOf(res.Meta)}
	for _, e := range res.Entries {
		j := chainEntryJSON{
			ContractID:     e.Contract.ID,
			Expiry:         e.Contract.Expiry.Format("2006-01-02"),
			Strike:         e.Contract.Strike.String(),
			Right:          string(e.Contract.Right),
			BelowIntrinsic: e.BelowIntrinsic,
			Error:          e.Err,
		}
		if q := e.Quote; q != nil {
			jq := &quoteJSON{TS: q.TS, Volume: q.Volume, OpenInterest: q.OpenInterest}
			if q.Bid.IsPositive() {
				jq.Bid = q.Bid.String()
			}
			if q.Ask.IsPositive() {
				jq.Ask = q.Ask.String()
			}
			if q.Last.IsPositive() {
				jq.Last = q.Last.String()
			}
			j.Quote = jq
		}
		if g := e.Greeks; g != nil {
			j.Greeks = &greeksJSON{IV: g.IV, Delta: g.Delta, Gamma: g.Gamma, Theta: g.Theta, Vega: g.Vega}
		}
		out.Entries = append(out.Entries, j)
	}
	return out
}

func metaOf(m core.Metadata) metaJSON {
	return metaJSON{Partial: m.Partial, Shards: m.Shards, Missing: m.Missing}
}

// sendQueryError maps the error taxonomy onto HTTP status codes.
func sendQueryError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrInvalidRange), errors.Is(err, core.ErrUnsupportedGranularity):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNoDataSource), errors.Is(err, core.ErrShardUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		core.Errorf(ctx, "query failed: %v", err)
	}
	sendErrorResponse(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// HandleHealth is the health check endpoint.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	addCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	live, idle := s.Engine.pool.Stats()
	writeJSON(w, map[string]any{
		"status":    "ok",
		"shards":    s.Engine.catalog.Len(),
		"conns":     map[string]int{"live": live, "idle": idle},
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleRefresh rescans the shard root on demand.
func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := core.WithDefaultLogger(r.Context(), fmt.Sprintf("req-%d", atomic.AddInt32(&reqID, 1)))
	addCORSHeaders(w)
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.Engine.Refresh(ctx); err != nil {
		sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "shards": s.Engine.catalog.Len()})
}
