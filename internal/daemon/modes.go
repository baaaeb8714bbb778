package daemon

import (
	"context"
	"strings"
	"time"

	"github.com/saim20/willow/internal/config"
	"github.com/saim20/willow/internal/dbus"
	"github.com/saim20/willow/internal/engine"
)

// Special command values handled by the daemon instead of the executor.
const (
	CommandExitCommandMode = "exit_command_mode"
	CommandStartTypingMode = "start_typing_mode"
)

// duplicateWindow suppresses repeated execution of the same command.
const duplicateWindow = 2 * time.Second

// Per-mode segmentation. Hotword detection uses a more sensitive threshold
// and shorter pauses; typing tolerates longer pauses between words.
var modeVAD = map[dbus.Mode]engine.VADParams{
	dbus.ModeNormal: {
		Threshold:   0.0005,
		Silence:     500 * time.Millisecond,
		MinSpeech:   150 * time.Millisecond,
		MaxDuration: 10 * time.Second,
	},
	dbus.ModeCommand: engine.DefaultVAD,
	dbus.ModeTyping: {
		Threshold:   0.001,
		Silence:     time.Second,
		MinSpeech:   300 * time.Millisecond,
		MaxDuration: 30 * time.Second,
	},
}

// VADFor returns the segmentation parameters used in mode.
func VADFor(mode dbus.Mode) engine.VADParams {
	if p, ok := modeVAD[mode]; ok {
		return p
	}
	return engine.DefaultVAD
}

// Match is the best command for a transcription.
type Match struct {
	Command    config.Command
	Phrase     string
	Confidence float64
}

// MatchCommand scores every phrase of every command against text and returns
// the best one. A phrase contained in the text scores 1; otherwise the score
// is the fraction of the phrase's words present in the text.
func MatchCommand(text string, commands []config.Command) (Match, bool) {
	text = strings.ToLower(text)
	words := make(map[string]bool)
	for _, w := range strings.Fields(text) {
		words[w] = true
	}

	var best Match
	found := false
	for _, cmd := range commands {
		for _, phrase := range cmd.Phrases {
			score := phraseScore(text, words, strings.ToLower(strings.TrimSpace(phrase)))
			if score > best.Confidence {
				best = Match{Command: cmd, Phrase: phrase, Confidence: score}
				found = true
			}
		}
	}
	return best, found
}

func phraseScore(text string, words map[string]bool, phrase string) float64 {
	if phrase == "" {
		return 0
	}
	if strings.Contains(text, phrase) {
		return 1
	}
	fields := strings.Fields(phrase)
	hit := 0
	for _, f := range fields {
		if words[f] {
			hit++
		}
	}
	return float64(hit) / float64(len(fields))
}

// containsAny reports whether text contains one of phrases.
func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// HandleTranscript runs the current mode's worker on a cleaned
// transcription.
func (s *Service) HandleTranscript(ctx context.Context, text string) {
	if text == "" {
		return
	}
	cfg := s.store.Get()

	switch s.GetMode() {
	case dbus.ModeNormal:
		s.handleNormal(text, cfg)
	case dbus.ModeCommand:
		s.handleCommand(ctx, text, cfg)
	case dbus.ModeTyping:
		s.handleTyping(ctx, text, cfg)
	}
}

func (s *Service) handleNormal(text string, cfg *config.Configuration) {
	hotword := strings.ToLower(strings.TrimSpace(cfg.Str(config.KeyHotword)))
	if hotword == "" || !strings.Contains(text, hotword) {
		s.logger.Debug("no hotword in transcription", "text", text)
		return
	}
	s.logger.Info("hotword detected", "hotword", hotword)
	s.switchMode(dbus.ModeCommand)
}

func (s *Service) handleCommand(ctx context.Context, text string, cfg *config.Configuration) {
	s.setBuffer(text)

	m, ok := MatchCommand(text, cfg.Commands())
	threshold := cfg.Threshold()
	if !ok {
		s.logger.Info("no command matched", "text", text)
		return
	}
	if m.Confidence < threshold {
		s.logger.Info("command match below threshold",
			"command", m.Command.Name,
			"confidence", m.Confidence,
			"threshold", threshold,
		)
		return
	}
	if s.isDuplicate(m.Command.Name) {
		s.logger.Info("duplicate command ignored", "command", m.Command.Name)
		return
	}

	s.logger.Info("executing command",
		"command", m.Command.Name,
		"phrase", m.Phrase,
		"confidence", m.Confidence,
	)
	s.emitter.EmitCommandExecuted(m.Command.Name, m.Phrase, m.Confidence)

	switch m.Command.Command {
	case CommandExitCommandMode:
		s.switchMode(dbus.ModeNormal)
	case CommandStartTypingMode:
		s.switchMode(dbus.ModeTyping)
	default:
		if err := s.executor.Run(ctx, m.Command.Command); err != nil {
			s.logger.Error("command failed", "command", m.Command.Name, "error", err)
			s.emitter.EmitError("Command Error", err.Error())
			return
		}
		s.notifier.NotifyCommand(m.Command.Name)
	}
}

func (s *Service) handleTyping(ctx context.Context, text string, cfg *config.Configuration) {
	if containsAny(text, cfg.Strings(config.KeyTypingExitPhrases)) {
		s.logger.Info("typing exit phrase detected", "text", text)
		s.switchMode(dbus.ModeNormal)
		return
	}
	if err := s.typer.Type(ctx, text); err != nil {
		s.logger.Error("typing failed", "error", err)
		s.emitter.EmitError("Typing Error", err.Error())
		return
	}
	s.setBuffer(text)
}

// isDuplicate reports whether name ran within the duplicate window and
// records the execution otherwise.
func (s *Service) isDuplicate(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for k, t := range s.executed {
		if now.Sub(t) > 5*time.Second {
			delete(s.executed, k)
		}
	}
	if t, ok := s.executed[name]; ok && now.Sub(t) < duplicateWindow {
		return true
	}
	s.executed[name] = now
	return false
}
