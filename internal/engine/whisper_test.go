package engine

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAV(t *testing.T) {
	wav := EncodeWAV([]float32{0, 1, -1, 2}, SampleRate)

	require.Len(t, wav, 44+8)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, uint32(SampleRate), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(wav[40:44]))

	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(wav[44:])))
	assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(wav[46:])))
	assert.Equal(t, int16(-32767), int16(binary.LittleEndian.Uint16(wav[48:])))
	// Clipped.
	assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(wav[50:])))
}

func TestHTTPRecognizer_Transcribe(t *testing.T) {
	var mu sync.Mutex
	var gotFormat, gotLanguage string
	var gotAudio int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			http.NotFound(w, r)
			return
		}
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		mu.Lock()
		defer mu.Unlock()
		gotFormat = r.FormValue("response_format")
		gotLanguage = r.FormValue("language")
		f, _, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		data, _ := io.ReadAll(f)
		gotAudio = len(data)
		_, _ = w.Write([]byte(`{"text":" Open the browser.\n"}`))
	}))
	defer srv.Close()

	rec := NewHTTPRecognizer(srv.URL, "en")
	text, err := rec.Transcribe(context.Background(), make([]float32, 100))

	require.NoError(t, err)
	assert.Equal(t, " Open the browser.\n", text)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "json", gotFormat)
	assert.Equal(t, "en", gotLanguage)
	assert.Equal(t, 44+200, gotAudio)
	assert.NoError(t, rec.Close())
}

func TestHTTPRecognizer_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"http status", http.StatusInternalServerError, "boom", "whisper-server error 500: boom"},
		{"error field", http.StatusOK, `{"error":"failed to read WAV"}`, "whisper-server error: failed to read WAV"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPRecognizer(srv.URL, "").Transcribe(context.Background(), []float32{0.1})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestHTTPRecognizer_EmptyInput(t *testing.T) {
	text, err := NewHTTPRecognizer("http://127.0.0.1:1", "").Transcribe(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestHTTPRecognizer_Healthy(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && healthy.Load() {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := NewHTTPRecognizer(srv.URL, "en")
	assert.False(t, rec.Healthy(context.Background()))
	healthy.Store(true)
	assert.True(t, rec.Healthy(context.Background()))
}

func TestServerFactory_MissingBinary(t *testing.T) {
	factory := NewServerFactory(ServerOptions{Binary: "/nonexistent/whisper-server"})

	_, err := factory(context.Background(), Params{ModelPath: "/models/x.bin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start")
}

func TestServerFactory_ReportsStartupFailure(t *testing.T) {
	script := filepath.Join(t.TempDir(), "whisper-server")
	body := "#!/bin/sh\necho 'loading model' >&2\necho 'error: failed to open model file' >&2\nexit 1\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	factory := NewServerFactory(ServerOptions{Binary: script, StartTimeout: 5 * time.Second})

	_, err := factory(context.Background(), Params{ModelPath: "/models/missing.bin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.Contains(t, err.Error(), "error: failed to open model file")
}
