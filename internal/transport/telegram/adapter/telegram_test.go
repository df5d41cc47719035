package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	tele "gopkg.in/telebot.v4"

	"pingbot/internal/transport"
	logx "pingbot/pkg/logx"
	"pingbot/pkg/tgui"
)

type apiCall struct {
	Method string
	Params map[string]any
}

// fakeAPI answers Bot API methods the adapter uses.
type fakeAPI struct {
	mu     sync.Mutex
	calls  []apiCall
	nextID int
	fail   map[string]string // method -> error description
	code   map[string]int
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{nextID: 500, fail: map[string]string{}, code: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	params := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&params)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Params: params})
	desc, failing := f.fail[method]
	code := f.code[method]
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failing {
		if code == 0 {
			code = http.StatusBadRequest
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": code, "description": desc})
		return
	}
	var result any = true
	switch method {
	case "sendMessage", "editMessageText", "editMessageReplyMarkup":
		chatID, _ := strconv.ParseInt(fmt.Sprint(params["chat_id"]), 10, 64)
		result = map[string]any{"message_id": id, "date": 0, "chat": map[string]any{"id": chatID, "type": "private"}}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

func (f *fakeAPI) byMethod(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestAdapter(t *testing.T, srv *httptest.Server, cfg Config) *Adapter {
	t.Helper()
	cfg.Token = "123:test"
	cfg.APIURL = srv.URL
	cfg.Offline = true
	if cfg.RPS == 0 {
		cfg.RPS = 1000
		cfg.Burst = 100
	}
	a, err := New(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestSendTextWithButtons(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv, Config{})

	ref, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 555}, "Did you stretch?", &transport.SendOptions{
		ParseMode: "HTML",
		Buttons:   [][]transport.Button{{{Text: "Yes", Data: "r_42_yes"}, {Text: "No", Data: "r_42_no"}}},
	})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if ref.ChatID != 555 || ref.MessageID == 0 {
		t.Fatalf("unexpected ref: %+v", ref)
	}

	sends := api.byMethod("sendMessage")
	if len(sends) != 1 {
		t.Fatalf("expected one sendMessage, got %d", len(sends))
	}
	p := sends[0].Params
	if p["text"] != "Did you stretch?" || p["parse_mode"] != "HTML" {
		t.Fatalf("unexpected params: %v", p)
	}
	rm, _ := p["reply_markup"].(string)
	if !strings.Contains(rm, `"callback_data":"r_42_yes"`) || !strings.Contains(rm, `"callback_data":"r_42_no"`) {
		t.Fatalf("keyboard missing tokens: %s", rm)
	}
}

func TestSendTextSplitsLongBodies(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv, Config{})

	body := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)
	ref, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 1}, body, &transport.SendOptions{
		Buttons: [][]transport.Button{{{Text: "Yes", Data: "r_1_yes"}}},
	})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	sends := api.byMethod("sendMessage")
	if len(sends) != 2 {
		t.Fatalf("expected two chunks, got %d", len(sends))
	}
	if _, ok := sends[0].Params["reply_markup"]; ok {
		t.Fatalf("keyboard should only ride on the last chunk")
	}
	if _, ok := sends[1].Params["reply_markup"]; !ok {
		t.Fatalf("last chunk lost its keyboard")
	}
	if ref.MessageID != 502 {
		t.Fatalf("ref should point at the keyboard message, got %d", ref.MessageID)
	}
}

func TestSendTextRejectsOversizedCallbackData(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv, Config{})

	_, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 1}, "x", &transport.SendOptions{
		Buttons: [][]transport.Button{{{Text: "Big", Data: strings.Repeat("d", 65)}}},
	})
	if !errors.Is(err, tgui.ErrCallbackDataTooLong) || !errors.Is(err, transport.ErrGateway) {
		t.Fatalf("err = %v", err)
	}
	if n := len(api.byMethod("sendMessage")); n != 0 {
		t.Fatalf("nothing should be sent, got %d calls", n)
	}
}

func TestSendTextGatewayError(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.fail["sendMessage"] = "Forbidden: bot was blocked by the user"
	api.code["sendMessage"] = http.StatusForbidden
	a := newTestAdapter(t, srv, Config{})

	_, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 1}, "x", nil)
	var ge *transport.GatewayError
	if !errors.As(err, &ge) || ge.Op != "send" {
		t.Fatalf("err = %v, want GatewayError(send)", err)
	}
}

func TestEditAndClearButtons(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv, Config{})
	ref := transport.MessageRef{ChatID: 555, MessageID: 900}

	if err := a.EditText(context.Background(), ref, "Done\n\nYou answered: <b>yes</b>", &transport.SendOptions{ParseMode: "HTML"}); err != nil {
		t.Fatalf("EditText: %v", err)
	}
	if err := a.ClearButtons(context.Background(), ref); err != nil {
		t.Fatalf("ClearButtons: %v", err)
	}

	edits := api.byMethod("editMessageText")
	if len(edits) != 1 || edits[0].Params["message_id"] != "900" || edits[0].Params["chat_id"] != "555" {
		t.Fatalf("unexpected edit calls: %+v", edits)
	}
	clears := api.byMethod("editMessageReplyMarkup")
	if len(clears) != 1 {
		t.Fatalf("expected one editMessageReplyMarkup, got %d", len(clears))
	}
	if rm, _ := clears[0].Params["reply_markup"].(string); strings.Contains(rm, "callback_data") {
		t.Fatalf("keyboard not cleared: %s", rm)
	}
}

func TestEditLongTextStaysInOneMessage(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv, Config{})

	head := strings.Repeat("A", 3991)
	tail := strings.Repeat("B", 500)
	ref, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 1}, head+"\n"+tail, &transport.SendOptions{
		ParseMode: "HTML",
		Buttons:   [][]transport.Button{{{Text: "Yes", Data: "r_1_yes"}}},
	})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	answered := head + "\n" + tail + "\n\nYou answered: <b>yes</b>"
	if err := a.EditText(context.Background(), ref, answered, &transport.SendOptions{ParseMode: "HTML"}); err != nil {
		t.Fatalf("EditText: %v", err)
	}
	if n := len(api.byMethod("sendMessage")); n != 2 {
		t.Fatalf("edit must not post follow-ups, sendMessage calls = %d", n)
	}
	edits := api.byMethod("editMessageText")
	if len(edits) != 1 || edits[0].Params["message_id"] != strconv.Itoa(ref.MessageID) {
		t.Fatalf("unexpected edit calls: %+v", edits)
	}
	text, _ := edits[0].Params["text"].(string)
	if strings.HasPrefix(text, "A") || !strings.HasSuffix(text, "You answered: <b>yes</b>") {
		t.Fatalf("edit should keep the final chunk only, got %d runes starting %q", len(text), text[:1])
	}
}

func TestEditNotModifiedIsSuccess(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.fail["editMessageText"] = "Bad Request: message is not modified: specified new message content and reply markup are exactly the same as a current content and reply markup of the message"
	api.fail["editMessageReplyMarkup"] = api.fail["editMessageText"]
	a := newTestAdapter(t, srv, Config{})
	ref := transport.MessageRef{ChatID: 1, MessageID: 2}

	if err := a.EditText(context.Background(), ref, "same", nil); err != nil {
		t.Fatalf("EditText: %v", err)
	}
	if err := a.ClearButtons(context.Background(), ref); err != nil {
		t.Fatalf("ClearButtons: %v", err)
	}
}

func TestAnswerCallback(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv, Config{})
	if err := a.AnswerCallback(context.Background(), "cb-1", "Recorded: yes"); err != nil {
		t.Fatalf("AnswerCallback: %v", err)
	}
	calls := api.byMethod("answerCallbackQuery")
	if len(calls) != 1 || calls[0].Params["callback_query_id"] != "cb-1" || calls[0].Params["text"] != "Recorded: yes" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.fail["sendMessage"] = "Internal Server Error"
	api.code["sendMessage"] = http.StatusInternalServerError
	a := newTestAdapter(t, srv, Config{BreakerFailures: 2, BreakerOpenFor: time.Minute})

	for i := 0; i < 2; i++ {
		if _, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 1}, "x", nil); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}
	_, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 1}, "x", nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want open breaker", err)
	}
	if n := len(api.byMethod("sendMessage")); n != 2 {
		t.Fatalf("open breaker should not reach the API, got %d calls", n)
	}
}

func TestClientErrorsDoNotOpenBreaker(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.fail["sendMessage"] = "Bad Request: chat not found"
	a := newTestAdapter(t, srv, Config{BreakerFailures: 2, BreakerOpenFor: time.Minute})

	for i := 0; i < 4; i++ {
		_, err := a.SendText(context.Background(), transport.ChatTarget{ChatID: 1}, "x", nil)
		if err == nil || errors.Is(err, gobreaker.ErrOpenState) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
}

func TestCallHonoursContext(t *testing.T) {
	t.Parallel()
	_, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv, Config{})

	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.call(ctx, "send", func() error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, transport.ErrGateway) {
		t.Fatalf("err = %v", err)
	}
}

func TestUpdateMenuCommandsSkipsUnchanged(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv, Config{})
	cmds := []transport.BotCommand{{Command: "start", Description: "Link your account"}, {Command: ""}}

	for i := 0; i < 2; i++ {
		if err := a.UpdateMenuCommands(context.Background(), cmds); err != nil {
			t.Fatalf("UpdateMenuCommands: %v", err)
		}
	}
	if n := len(api.byMethod("setMyCommands")); n != 1 {
		t.Fatalf("setMyCommands calls = %d, want 1", n)
	}
}

func TestIncomingUpdates(t *testing.T) {
	t.Parallel()
	_, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv, Config{})
	out := make(chan transport.Update, 4)
	a.out.Store((chan<- transport.Update)(out))

	a.bot.ProcessUpdate(tele.Update{Message: &tele.Message{
		ID:     10,
		Text:   "/start AB12CD",
		Chat:   &tele.Chat{ID: 777, Type: tele.ChatPrivate},
		Sender: &tele.User{ID: 777, Username: "alice"},
	}})
	a.bot.ProcessUpdate(tele.Update{Callback: &tele.Callback{
		ID:      "cb-9",
		Data:    "r_42_yes",
		Sender:  &tele.User{ID: 777},
		Message: &tele.Message{ID: 900, Chat: &tele.Chat{ID: 777}},
	}})

	var gotMsg, gotCb bool
	timeout := time.After(2 * time.Second)
	for !gotMsg || !gotCb {
		select {
		case up := <-out:
			switch up.Kind {
			case transport.UpdateMessage:
				m := up.Message
				if m.Text != "/start AB12CD" || m.ChatID != 777 || m.FromUsername != "alice" || m.IsGroup {
					t.Fatalf("unexpected message: %+v", m)
				}
				gotMsg = true
			case transport.UpdateCallback:
				cb := up.Callback
				if cb.ID != "cb-9" || cb.Data != "r_42_yes" || cb.ChatID != 777 || cb.MessageID != 900 || cb.FromID != 777 {
					t.Fatalf("unexpected callback: %+v", cb)
				}
				gotCb = true
			}
		case <-timeout:
			t.Fatalf("updates not forwarded (msg=%v cb=%v)", gotMsg, gotCb)
		}
	}
}

func TestSendUpdateDropsWhenFull(t *testing.T) {
	t.Parallel()
	_, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv, Config{})
	out := make(chan transport.Update, 1)
	a.out.Store((chan<- transport.Update)(out))

	a.sendUpdate(transport.Update{Kind: transport.UpdateMessage})
	a.sendUpdate(transport.Update{Kind: transport.UpdateMessage})
	if got := a.droppedUpdates.Load(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}
