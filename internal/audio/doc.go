// Package audio captures 16 kHz mono microphone audio and hands it to a
// consumer on a separate goroutine. Chunks the consumer cannot keep up with
// are dropped rather than queued without bound.
package audio
