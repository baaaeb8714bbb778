package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ServerOptions configure the whisper-server backend.
type ServerOptions struct {
	Binary       string        // whisper-server executable (default "whisper-server")
	Host         string        // listen host (default 127.0.0.1)
	Threads      int           // inference threads (default 4)
	Language     string        // spoken language (default "en")
	StartTimeout time.Duration // time allowed for the model to load (default 60s)
	Logger       *slog.Logger
}

func (o *ServerOptions) withDefaults() ServerOptions {
	out := *o
	if out.Binary == "" {
		out.Binary = "whisper-server"
	}
	if out.Host == "" {
		out.Host = "127.0.0.1"
	}
	if out.Threads <= 0 {
		out.Threads = 4
	}
	if out.Language == "" {
		out.Language = "en"
	}
	if out.StartTimeout <= 0 {
		out.StartTimeout = 60 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// NewServerFactory returns a Factory that runs one whisper-server process per
// engine instance. The instance is returned only after the server answers
// its health check.
func NewServerFactory(opts ServerOptions) Factory {
	o := opts.withDefaults()
	return func(ctx context.Context, p Params) (Recognizer, error) {
		return startServer(ctx, o, p)
	}
}

// ServerRecognizer is a Recognizer backed by a whisper-server subprocess.
type ServerRecognizer struct {
	*HTTPRecognizer

	cmd    *exec.Cmd
	logger *slog.Logger
	exited chan struct{}
	once   sync.Once

	// lastOutput is the last stderr line; read it only after exited is closed.
	lastOutput string
}

func startServer(ctx context.Context, o ServerOptions, p Params) (*ServerRecognizer, error) {
	port, err := freePort(o.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate port: %w", err)
	}

	args := []string{
		"-m", p.ModelPath,
		"--host", o.Host,
		"--port", strconv.Itoa(port),
		"-t", strconv.Itoa(o.Threads),
		"-l", o.Language,
	}
	if !p.GPU {
		args = append(args, "--no-gpu")
	}

	cmd := exec.Command(o.Binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", o.Binary, err)
	}

	logger := o.Logger.With("component", "whisper-server", "pid", cmd.Process.Pid)
	s := &ServerRecognizer{
		HTTPRecognizer: NewHTTPRecognizer(fmt.Sprintf("http://%s", net.JoinHostPort(o.Host, strconv.Itoa(port))), o.Language),
		cmd:            cmd,
		logger:         logger,
		exited:         make(chan struct{}),
	}

	// Wait closes the pipe, so stderr is drained first.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			logger.Debug(line)
			s.lastOutput = line
		}
		err := cmd.Wait()
		logger.Debug("process exited", "error", err, "last_output", s.lastOutput)
		close(s.exited)
	}()

	logger.Info("started whisper-server", "model", p.ModelPath, "gpu", p.GPU, "port", port)

	if err := s.waitHealthy(ctx, o.StartTimeout); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *ServerRecognizer) waitHealthy(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.Healthy(ctx) {
			return nil
		}
		select {
		case <-s.exited:
			if s.lastOutput != "" {
				return fmt.Errorf("whisper-server exited during startup: %s", s.lastOutput)
			}
			return errors.New("whisper-server exited during startup")
		case <-ctx.Done():
			return fmt.Errorf("whisper-server not healthy: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close terminates the server process.
func (s *ServerRecognizer) Close() error {
	s.once.Do(func() {
		if s.cmd.Process == nil {
			return
		}
		_ = s.cmd.Process.Signal(os.Interrupt)
		select {
		case <-s.exited:
		case <-time.After(3 * time.Second):
			s.logger.Warn("whisper-server did not exit, killing")
			_ = s.cmd.Process.Kill()
			<-s.exited
		}
	})
	return nil
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// HTTPRecognizer transcribes through a running whisper-server.
type HTTPRecognizer struct {
	baseURL  string
	language string
	client   *http.Client
}

// NewHTTPRecognizer creates a recognizer for the server at baseURL.
// Close does not stop the server.
func NewHTTPRecognizer(baseURL, language string) *HTTPRecognizer {
	return &HTTPRecognizer{
		baseURL:  baseURL,
		language: language,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

// Healthy reports whether the server has its model loaded.
func (r *HTTPRecognizer) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Transcribe posts samples as a WAV file to the inference endpoint.
func (r *HTTPRecognizer) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(EncodeWAV(samples, SampleRate)); err != nil {
		return "", err
	}
	_ = writer.WriteField("response_format", "json")
	_ = writer.WriteField("temperature", "0.0")
	if r.language != "" {
		_ = writer.WriteField("language", r.language)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/inference", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read inference response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper-server error %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if msg := gjson.GetBytes(data, "error"); msg.Exists() {
		return "", fmt.Errorf("whisper-server error: %s", msg.String())
	}
	return gjson.GetBytes(data, "text").String(), nil
}

// Close is a no-op for a shared server.
func (r *HTTPRecognizer) Close() error {
	return nil
}

// EncodeWAV renders float samples in [-1, 1] as a 16-bit mono PCM WAV file.
func EncodeWAV(samples []float32, sampleRate int) []byte {
	const headerSize = 44
	dataSize := len(samples) * 2

	buf := make([]byte, headerSize+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(headerSize-8+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))
	binary.LittleEndian.PutUint16(buf[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, v := range samples {
		v = float32(math.Max(-1, math.Min(1, float64(v))))
		binary.LittleEndian.PutUint16(buf[headerSize+i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return buf
}
