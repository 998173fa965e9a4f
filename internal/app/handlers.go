package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/solver"
	"github.com/MrWong99/earshot/internal/transcribe"
)

// maxBodyBytes caps request bodies on the control API.
const maxBodyBytes = 64 << 10

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/recording/start", a.handleStart)
	mux.HandleFunc("POST /v1/recording/stop", a.handleStop)
	mux.HandleFunc("POST /v1/recording/toggle", a.handleToggle)
	mux.HandleFunc("GET /v1/recording", a.handleRecording)
	mux.HandleFunc("POST /v1/questions", a.handleQuestion)
	mux.HandleFunc("GET /v1/answer", a.handleAnswer)
	mux.HandleFunc("GET /v1/context", a.handleContext)
	mux.HandleFunc("DELETE /v1/context", a.handleClearContext)
	mux.HandleFunc("POST /v1/reports/{kind}", a.handleReport)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.health.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ─── Responses ───────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

type recordingResponse struct {
	State     string    `json:"state"`
	ID        string    `json:"id,omitempty"`
	Device    string    `json:"device,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Text      string    `json:"text,omitempty"`
}

func newRecordingResponse(s transcribe.Snapshot) recordingResponse {
	return recordingResponse{
		State:     s.State.String(),
		ID:        s.ID,
		Device:    s.Device,
		StartedAt: s.StartedAt,
		Text:      s.Text,
	}
}

type stopResponse struct {
	Action     string `json:"action,omitempty"`
	Transcript string `json:"transcript"`
	OK         bool   `json:"ok"`
	Answering  bool   `json:"answering"`
}

type questionRequest struct {
	Question string `json:"question"`
}

type answerResponse struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type contextResponse struct {
	Context       string `json:"context"`
	Turns         int    `json:"turns"`
	TurnWeight    int    `json:"turn_weight"`
	SummaryWeight int    `json:"summary_weight"`
	Queued        int    `json:"queued"`
}

type reportResponse struct {
	Kind   string `json:"kind"`
	Report string `json:"report"`
}

// ─── Recording ───────────────────────────────────────────────────────────────

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.recorder.Start(r.Context()); err != nil {
		a.writeStartError(w, r, err)
		return
	}
	res := newRecordingResponse(a.recorder.Snapshot())
	writeJSON(w, http.StatusOK, res)
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.stop(r.Context()))
}

// handleToggle starts an idle recorder and stops a busy one, so a single
// hotkey binding can drive the daemon.
func (a *App) handleToggle(w http.ResponseWriter, r *http.Request) {
	if a.recorder.State() != transcribe.StateIdle {
		res := a.stop(r.Context())
		res.Action = "stopped"
		writeJSON(w, http.StatusOK, res)
		return
	}
	if err := a.recorder.Start(r.Context()); err != nil {
		a.writeStartError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Action string `json:"action"`
		recordingResponse
	}{"started", newRecordingResponse(a.recorder.Snapshot())})
}

func (a *App) handleRecording(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newRecordingResponse(a.recorder.Snapshot()))
}

// stop ends the recording and, when configured, answers the transcript in
// the background.
func (a *App) stop(ctx context.Context) stopResponse {
	text, ok := a.recorder.Stop(ctx)
	res := stopResponse{Transcript: text, OK: ok}
	if ok && a.solverSettings().AnswerOnStop {
		res.Answering = a.answerInBackground(text)
	}
	return res
}

func (a *App) writeStartError(w http.ResponseWriter, r *http.Request, err error) {
	observe.Logger(r.Context(), a.log).Warn("recording start failed", "err", err)
	status := http.StatusBadGateway
	if errors.Is(err, transcribe.ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// ─── Questions ───────────────────────────────────────────────────────────────

// handleQuestion answers synchronously. With ?stream=true the answer is
// written as plain text while it is generated.
func (a *App) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	ctx, cancel := a.requestContext(r.Context())
	defer cancel()

	if stream, _ := strconv.ParseBool(r.URL.Query().Get("stream")); stream {
		a.streamAnswer(ctx, w, req.Question)
		return
	}

	answer, err := a.solver.Answer(ctx, req.Question)
	if err != nil {
		writeJSON(w, answerErrorStatus(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{Question: req.Question, Answer: answer})
}

func (a *App) streamAnswer(ctx context.Context, w http.ResponseWriter, question string) {
	rc := http.NewResponseController(w)
	wrote := false
	sink := solver.SinkFunc(func(_ context.Context, part string) error {
		if !wrote {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			wrote = true
		}
		if _, err := io.WriteString(w, part); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	})

	_, err := a.solver.AnswerStream(ctx, question, sink)
	switch {
	case err == nil:
	case !wrote:
		writeJSON(w, answerErrorStatus(err), errorResponse{Error: err.Error()})
	default:
		fmt.Fprintf(w, "\n\nerror: %v\n", err)
	}
}

func answerErrorStatus(err error) int {
	switch {
	case errors.Is(err, solver.ErrQuestionTooShort):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (a *App) handleAnswer(w http.ResponseWriter, _ *http.Request) {
	rec, ok := a.answers.latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no answer yet"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// requestContext bounds one answer by solver.request_timeout.
func (a *App) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if d := a.solverSettings().RequestTimeout; d > 0 {
		return context.WithTimeout(parent, d)
	}
	return context.WithCancel(parent)
}

// answerInBackground answers question without a waiting client and posts the
// result to the answer board. It reports false once Shutdown has begun.
func (a *App) answerInBackground(question string) bool {
	a.bgMu.Lock()
	if a.bgClosed {
		a.bgMu.Unlock()
		return false
	}
	a.bg.Add(1)
	a.bgMu.Unlock()

	id := a.answers.begin(question, time.Now())
	go func() {
		defer a.bg.Done()
		ctx, cancel := a.requestContext(a.bgCtx)
		defer cancel()

		answer, err := a.solver.Answer(ctx, question)
		a.answers.finish(id, answer, err, time.Now())
		if err != nil {
			a.log.Warn("background answer failed", "err", err)
			return
		}
		a.log.Info("background answer ready", "answer_chars", len(answer))
	}()
	return true
}

// ─── Context and reports ─────────────────────────────────────────────────────

// handleContext renders the context the next question would see, or with
// ?full=true the whole retained history.
func (a *App) handleContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	full, _ := strconv.ParseBool(q.Get("full"))

	var text string
	if full {
		text = a.dialogue.RenderFullContext()
	} else {
		text = a.dialogue.RenderContext(q.Get("q"))
	}
	snap := a.dialogue.Snapshot()
	writeJSON(w, http.StatusOK, contextResponse{
		Context:       text,
		Turns:         len(snap.Turns),
		TurnWeight:    snap.TurnWeight,
		SummaryWeight: snap.SummaryWeight,
		Queued:        snap.Queued,
	})
}

func (a *App) handleClearContext(w http.ResponseWriter, _ *http.Request) {
	a.dialogue.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleReport(w http.ResponseWriter, r *http.Request) {
	kind := solver.ReportKind(r.PathValue("kind"))
	ctx, cancel := a.requestContext(r.Context())
	defer cancel()

	report, err := a.solver.Report(ctx, kind, nil)
	if err != nil {
		status := answerErrorStatus(err)
		if errors.Is(err, solver.ErrUnknownReport) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{Kind: string(kind), Report: report})
}

// ─── Answer board ────────────────────────────────────────────────────────────

// AnswerRecord is the outcome of one background answer.
type AnswerRecord struct {
	ID         uint64    `json:"id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer,omitempty"`
	Error      string    `json:"error,omitempty"`
	Pending    bool      `json:"pending"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// answerBoard keeps the most recent background answer. A result that
// finishes after a newer question was posted is discarded.
type answerBoard struct {
	mu     sync.Mutex
	nextID uint64
	cur    *AnswerRecord
}

func (b *answerBoard) begin(question string, at time.Time) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.cur = &AnswerRecord{ID: b.nextID, Question: question, Pending: true, StartedAt: at}
	return b.nextID
}

func (b *answerBoard) finish(id uint64, answer string, err error, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil || b.cur.ID != id {
		return
	}
	b.cur.Pending = false
	b.cur.FinishedAt = at
	b.cur.Answer = answer
	if err != nil {
		b.cur.Error = err.Error()
	}
}

func (b *answerBoard) latest() (AnswerRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return AnswerRecord{}, false
	}
	return *b.cur, true
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
