package opportunity

import (
	"os"

	"github.com/dop251/goja"
	json "github.com/goccy/go-json"

	"github.com/strikeline/strikeline/errs"
	"github.com/strikeline/strikeline/internal/schema"
)

// Hook runs an operator-supplied JavaScript veto over TAKE decisions. The
// script must define `function accept(decision, snapshot)` returning a
// truthy value to keep the TAKE. Not safe for concurrent use; the
// opportunity worker owns it.
type Hook struct {
	rt     *goja.Runtime
	accept goja.Callable
	path   string
}

// LoadHook compiles the script at path into an isolated runtime.
func LoadHook(path string) (*Hook, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New("opportunity/hook", errs.CodeConfig,
			errs.WithMessage("read decision hook"),
			errs.WithCause(err),
			errs.WithContext("path", path))
	}
	program, err := goja.Compile(path, string(src), true)
	if err != nil {
		return nil, errs.New("opportunity/hook", errs.CodeConfig,
			errs.WithMessage("compile decision hook"),
			errs.WithCause(err),
			errs.WithContext("path", path))
	}
	rt := goja.New()
	if _, err := rt.RunProgram(program); err != nil {
		return nil, errs.New("opportunity/hook", errs.CodeConfig,
			errs.WithMessage("execute decision hook"),
			errs.WithCause(err),
			errs.WithContext("path", path))
	}
	accept, ok := goja.AssertFunction(rt.Get("accept"))
	if !ok {
		return nil, errs.New("opportunity/hook", errs.CodeConfig,
			errs.WithMessage("decision hook must define accept(decision, snapshot)"),
			errs.WithContext("path", path))
	}
	return &Hook{rt: rt, accept: accept, path: path}, nil
}

// Accept reports whether the hook keeps the TAKE. Script errors fail open so
// a broken hook never silently blocks trading; the error is returned for
// logging.
func (h *Hook) Accept(decision *schema.OpportunityDecision, snap *schema.EdgeSnapshot) (bool, error) {
	decisionVal, err := h.toValue(decision)
	if err != nil {
		return true, err
	}
	snapVal, err := h.toValue(snap)
	if err != nil {
		return true, err
	}
	res, err := h.accept(goja.Undefined(), decisionVal, snapVal)
	if err != nil {
		return true, errs.New("opportunity/hook", errs.CodeTransientIO,
			errs.WithMessage("decision hook threw"),
			errs.WithCause(err),
			errs.WithContext("path", h.path))
	}
	return res.ToBoolean(), nil
}

// toValue hands the payload to JS as a plain object via a JSON round-trip so
// scripts see snake_case wire field names.
func (h *Hook) toValue(v any) (goja.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return h.rt.ToValue(generic), nil
}
