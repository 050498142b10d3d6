package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/wire"
)

// App behavior analysis step weights. Visual and event analysis carry
// equal weight; the emulator run itself counts for less since its own
// finding is only "the app ran".
const (
	emulatorWeight = 0.2
	visualWeight   = 0.4
	eventWeight    = 0.4
)

// maxEventLines bounds how many behavioral events are handed to the model.
const maxEventLines = 400

// appAnalysis carries the emulator run artifacts from the run step to the
// visual and event analysis checks.
type appAnalysis struct {
	provider     *ProviderClient
	appRef       string
	instructions string

	mu          sync.Mutex
	ran         bool
	screenshots []string
	events      []string
}

// appSteps composes the app_behavior worker: an emulator run, then vision
// analysis of the screenshots in parallel with chat analysis of the events.
func appSteps(provider *ProviderClient, payload map[string]string) ([]Step, error) {
	appRef := payload["app_ref"]
	if appRef == "" {
		return nil, errors.New("app_behavior worker: missing app_ref payload")
	}
	aa := &appAnalysis{
		provider:     provider,
		appRef:       appRef,
		instructions: payload["instructions"],
	}

	run := StaticStep("Emulator_Run", true, CheckSpec{
		ID:     "emulator_run",
		Agent:  "emulator",
		Weight: emulatorWeight,
		Run:    aa.runEmulator,
	})
	behavior := Step{
		Name:  "Behavior_Analysis",
		Build: aa.buildBehaviorChecks,
	}
	return []Step{run, behavior}, nil
}

func (aa *appAnalysis) runEmulator(ctx context.Context) (*Outcome, error) {
	resp, err := aa.provider.RunApp(ctx, aa.appRef, aa.instructions)
	if err != nil {
		return nil, err
	}
	screenshots := resp.Visuals.Screenshots
	if len(screenshots) > wire.MaxVisionImages {
		screenshots = screenshots[:wire.MaxVisionImages]
	}
	events := resp.Events
	if len(events) > maxEventLines {
		events = events[:maxEventLines]
	}

	aa.mu.Lock()
	aa.ran = true
	aa.screenshots = screenshots
	aa.events = events
	aa.mu.Unlock()

	return &Outcome{
		RiskLevel:   wire.RiskLow,
		Confidence:  0.5,
		Explanation: fmt.Sprintf("app exercised in emulator, %d screenshots and %d events captured", len(resp.Visuals.Screenshots), len(resp.Events)),
	}, nil
}

func (aa *appAnalysis) buildBehaviorChecks(ctx context.Context) ([]CheckSpec, error) {
	aa.mu.Lock()
	ran, screenshots, events := aa.ran, aa.screenshots, aa.events
	aa.mu.Unlock()
	if !ran {
		return nil, errors.New("emulator run produced no artifacts")
	}

	var checks []CheckSpec
	if len(screenshots) > 0 {
		images := make([]wire.Image, 0, len(screenshots))
		for _, s := range screenshots {
			images = append(images, wire.Image{Mime: "image/png", Base64: s})
		}
		checks = append(checks, CheckSpec{
			ID:     "visual_analysis",
			Agent:  "llm_vision",
			Weight: visualWeight,
			Run: func(ctx context.Context) (*Outcome, error) {
				raw, err := aa.provider.VisionComplete(ctx, visionScreenshotPrompt, images)
				if err != nil {
					return nil, err
				}
				return parseFinding(raw)
			},
		})
	}
	checks = append(checks, CheckSpec{
		ID:     "event_analysis",
		Agent:  "llm_chat",
		Weight: eventWeight,
		Run: func(ctx context.Context) (*Outcome, error) {
			body := strings.Join(events, "\n")
			if body == "" {
				body = "(no events recorded)"
			}
			raw, err := aa.provider.ChatComplete(ctx, fmt.Sprintf(eventAnalysisPrompt, body))
			if err != nil {
				return nil, err
			}
			return parseFinding(raw)
		},
	})
	return checks, nil
}
