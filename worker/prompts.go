package worker

// Check prompts. Every prompt demands a strict JSON object so the response
// can be parsed into a risk finding; free-text answers are treated as
// protocol errors and renormalized away.

const jsonInstruction = `Respond with a single JSON object and nothing else: ` +
	`{"risk_level": "low"|"medium"|"high", "confidence": <0..1>, "explanation": "<short reason>"}.`

const textClassifyPrompt = `You are a security analyst. Classify the following message for ` +
	`phishing, scams, social engineering and other malicious intent.

Message:
%s

Respond with a single JSON object and nothing else: {"classification": "benign"|"suspicious"|"malicious", ` +
	`"confidence": <0..1>, "reasoning": "<short reason>", "suspicious_indicators": ["<indicator>", ...]}.`

const htmlAnalysisPrompt = `You are a security analyst. Assess whether this HTML document is malicious ` +
	`(phishing forms, credential harvesting, cloaked redirects, drive-by payloads).

URL: %s

HTML (may be truncated):
%s

` + jsonInstruction

const scriptAnalysisPrompt = `You are a security analyst. Assess whether this script is malicious ` +
	`(obfuscation, keylogging, crypto-mining, exfiltration, exploit staging).

Origin: %s

Script (may be truncated):
%s

` + jsonInstruction

const linkSuspiciousnessPrompt = `You are a security analyst. Judge how suspicious this URL itself is ` +
	`(typosquatting, deceptive subdomains, punycode tricks, known-bad TLD patterns, URL shorteners hiding targets).

URL: %s

` + jsonInstruction

const staticSignaturePrompt = `You are a malware analyst. Given these extracted file signatures, assess the risk.

%s

` + jsonInstruction

const sandboxLogPrompt = `You are a malware analyst. These are execution logs captured while running a file ` +
	`in an isolated sandbox. Assess the behavior (network beacons, persistence, process injection, ransomware traits).

Logs:
%s

` + jsonInstruction

const visionScreenshotPrompt = `You are a mobile security analyst. These screenshots were captured while ` +
	`exercising an app inside an emulator. Look for phishing UI, fake login overlays, permission abuse dialogs ` +
	`and deceptive flows.

` + jsonInstruction

const eventAnalysisPrompt = `You are a mobile security analyst. These are behavioral events recorded while ` +
	`exercising an app inside an emulator. Assess the behavior (background SMS, contact scraping, premium dials, ` +
	`dynamic code loading).

Events:
%s

` + jsonInstruction
