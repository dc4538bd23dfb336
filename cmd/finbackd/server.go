package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"k8s.io/klog/v2"

	"github.com/finback-ai/finback/pkg/program"
	"github.com/finback-ai/finback/pkg/vm"
)

// builtinModule provides a minimal set of host functions so a deployment
// can be smoke-tested before compiled modules are wired in.
func builtinModule() program.Module {
	m := vm.NewNativeModule("system")
	m.ExportFunction("echo", func(args *vm.List, results *vm.List) error {
		for i := 0; i < args.Size(); i++ {
			results.Push(args.Get(i))
		}
		return nil
	}, nil)
	return program.NewModule(m)
}

type httpServer struct {
	program       *program.Program
	invokeTimeout time.Duration
}

type invokeRequest struct {
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

type invokeResponse struct {
	Results []any `json:"results"`
}

func (s *httpServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/healthz" && r.Method == "GET":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/v1/functions" && r.Method == "GET":
		writeJSON(w, map[string]any{"functions": s.program.Exports()})
	case r.URL.Path == "/v1/invoke" && r.Method == "POST":
		s.serveInvoke(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *httpServer) serveInvoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := klog.FromContext(ctx)

	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Function) == "" {
		http.Error(w, "function is required", http.StatusBadRequest)
		return
	}

	fn, err := s.program.LookupRequiredFunction(req.Function)
	if err != nil {
		writeError(w, log, err)
		return
	}

	inv := fn.CreateInvocation()
	for _, arg := range req.Args {
		if err := inv.AddRef(vm.RefOf(arg)); err != nil {
			writeError(w, log, err)
			return
		}
	}

	future, err := program.Invoke(inv)
	if err != nil {
		writeError(w, log, err)
		return
	}
	if !future.Wait(s.invokeTimeout) {
		http.Error(w, "invocation timed out", http.StatusGatewayTimeout)
		return
	}
	resolved, err := future.Result()
	if err != nil {
		writeError(w, log, err)
		return
	}

	resp := invokeResponse{Results: []any{}}
	for i := 0; i < resolved.ResultsSize(); i++ {
		v := resolved.Result(i)
		if ref, ok := v.(vm.Ref); ok {
			v = ref.Value()
		}
		resp.Results = append(resp.Results, v)
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, log klog.Logger, err error) {
	switch status.Code(err) {
	case codes.NotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case codes.InvalidArgument, codes.FailedPrecondition:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case codes.Unimplemented:
		http.Error(w, err.Error(), http.StatusNotImplemented)
	default:
		log.Error(err, "invocation failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
