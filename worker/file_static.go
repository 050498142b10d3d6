package worker

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/wopa-project/wopa/wire"
)

// Static file analysis step weights.
const (
	hashWeight       = 0.2
	metadataWeight   = 0.2
	signatureLLMWght = 0.6
)

// highEntropyThreshold flags packed or encrypted payloads. Plain binaries
// sit well below it, compressed archives just under 8.
const highEntropyThreshold = 7.2

// fileSignatures is what the static checks extract and the LLM judges.
type fileSignatures struct {
	Name    string
	Size    int64
	SHA256  string
	SHA1    string
	MD5     string
	Entropy float64
}

func (s *fileSignatures) render() string {
	return fmt.Sprintf(
		"name: %s\nsize: %d bytes\nsha256: %s\nsha1: %s\nmd5: %s\nshannon_entropy: %.3f",
		s.Name, s.Size, s.SHA256, s.SHA1, s.MD5, s.Entropy)
}

// staticAnalysis reads the referenced file once, in the first step's build,
// and shares the extracted signatures with every check.
type staticAnalysis struct {
	provider *ProviderClient
	fileRef  string

	mu   sync.Mutex
	sigs *fileSignatures
}

// fileStaticSteps composes the file_static worker: signature extraction
// followed by an LLM judgment over the extracted signatures.
func fileStaticSteps(provider *ProviderClient, payload map[string]string) ([]Step, error) {
	fileRef := payload["file_ref"]
	if fileRef == "" {
		return nil, errors.New("file_static worker: missing file_ref payload")
	}
	sa := &staticAnalysis{provider: provider, fileRef: fileRef}

	signatures := Step{
		Name:     "Static_Signatures",
		Critical: true,
		Build:    sa.buildSignatureChecks,
	}
	judgment := StaticStep("LLM_Signature_Analysis", false, CheckSpec{
		ID:     "llm_signature_analysis",
		Agent:  "llm_chat",
		Weight: signatureLLMWght,
		Run:    sa.runSignatureJudgment,
	})
	return []Step{signatures, judgment}, nil
}

// buildSignatureChecks reads and digests the file. An unreadable file fails
// the whole worker since every downstream check depends on the bytes.
func (sa *staticAnalysis) buildSignatureChecks(ctx context.Context) ([]CheckSpec, error) {
	data, err := os.ReadFile(sa.fileRef)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", sa.fileRef)
	}
	sigs := &fileSignatures{
		Name:    filepath.Base(sa.fileRef),
		Size:    int64(len(data)),
		SHA256:  fmt.Sprintf("%x", sha256.Sum256(data)),
		SHA1:    fmt.Sprintf("%x", sha1.Sum(data)),
		MD5:     fmt.Sprintf("%x", md5.Sum(data)),
		Entropy: shannonEntropy(data),
	}
	sa.mu.Lock()
	sa.sigs = sigs
	sa.mu.Unlock()

	return []CheckSpec{
		{
			ID:     "file_hashes",
			Agent:  "static_analyzer",
			Weight: hashWeight,
			Run: func(ctx context.Context) (*Outcome, error) {
				return &Outcome{
					RiskLevel:   wire.RiskLow,
					Confidence:  0.5,
					Explanation: fmt.Sprintf("sha256=%s size=%d", sigs.SHA256, sigs.Size),
				}, nil
			},
		},
		{
			ID:     "entropy_analysis",
			Agent:  "static_analyzer",
			Weight: metadataWeight,
			Run: func(ctx context.Context) (*Outcome, error) {
				return entropyOutcome(sigs.Entropy), nil
			},
		},
	}, nil
}

func (sa *staticAnalysis) runSignatureJudgment(ctx context.Context) (*Outcome, error) {
	sa.mu.Lock()
	sigs := sa.sigs
	sa.mu.Unlock()
	if sigs == nil {
		return nil, errors.New("signatures were not extracted")
	}
	raw, err := sa.provider.ChatComplete(ctx, fmt.Sprintf(staticSignaturePrompt, sigs.render()))
	if err != nil {
		return nil, err
	}
	return parseFinding(raw)
}

func entropyOutcome(entropy float64) *Outcome {
	outcome := &Outcome{
		RiskLevel:   wire.RiskLow,
		Confidence:  0.7,
		Explanation: fmt.Sprintf("shannon entropy %.3f", entropy),
	}
	if entropy >= highEntropyThreshold {
		outcome.RiskLevel = wire.RiskMedium
		outcome.Explanation += " suggests a packed or encrypted payload"
	}
	return outcome
}

func shannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	total := float64(len(data))
	var entropy float64
	for _, n := range freq {
		if n == 0 {
			continue
		}
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
