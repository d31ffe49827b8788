package diagnosis

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStubEngine(t *testing.T) {
	e := NewStubEngine("", "", 0)

	got, err := e.Diagnose(context.Background(), []byte("img"), "image/jpeg")
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if got.Label != "leaf_blight" || got.Confidence != "92%" {
		t.Errorf("got %+v", got)
	}

	if _, err := e.Diagnose(context.Background(), nil, ""); !errors.Is(err, ErrEngineFailure) {
		t.Errorf("empty image: err = %v", err)
	}
}

func TestStubEngine_RespectsContext(t *testing.T) {
	e := NewStubEngine("", "", time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Diagnose(ctx, []byte("img"), "image/jpeg")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("stub ignored the deadline")
	}
}

func TestHTTPEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "file required", http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "leaf-bytes" || hdr.Header.Get("Content-Type") != "image/png" {
			http.Error(w, "unexpected upload", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"disease":"rust","confidence":0.875}`))
	}))
	defer srv.Close()

	e := NewHTTPEngine(srv.URL, srv.Client())
	got, err := e.Diagnose(context.Background(), []byte("leaf-bytes"), "image/png")
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if got.Label != "rust" || got.Confidence != "87.5%" {
		t.Errorf("got %+v", got)
	}
}

func TestHTTPEngine_Errors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model crashed", http.StatusInternalServerError)
		},
		"no label": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"confidence":"50%"}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}

	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			_, err := NewHTTPEngine(srv.URL, srv.Client()).Diagnose(context.Background(), []byte("x"), "")
			if !errors.Is(err, ErrEngineFailure) {
				t.Fatalf("err = %v, want ErrEngineFailure", err)
			}
		})
	}
}

func TestFormatConfidence(t *testing.T) {
	cases := map[string]string{
		`"92%"`: "92%",
		`0.92`:  "92%",
		`87`:    "87%",
		`null`:  "",
	}
	for in, want := range cases {
		got, err := formatConfidence([]byte(in))
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Errorf("formatConfidence(%s) = %q, want %q", in, got, want)
		}
	}
}
