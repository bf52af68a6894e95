// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bcem/triage/internal/models"
)

// dangerousExtensions are attachment types that never arrive legitimately in
// this product's deployments.
var dangerousExtensions = map[string]bool{
	".exe": true, ".scr": true, ".pif": true, ".com": true,
	".bat": true, ".cmd": true, ".ps1": true, ".vbs": true,
	".js": true, ".jse": true, ".wsf": true, ".hta": true,
	".jar": true, ".msi": true, ".dll": true, ".iso": true,
}

// archiveExtensions can hide a dangerous payload from extension checks.
var archiveExtensions = map[string]bool{
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".cab": true,
}

// executableContentTypes flag a MIME type that contradicts a harmless-looking
// filename.
var executableContentTypes = map[string]bool{
	"application/x-msdownload": true,
	"application/x-executable": true,
	"application/x-dosexec":    true,
	"application/vnd.microsoft.portable-executable": true,
}

// urlPattern matches http(s) URLs in the body preview. Trailing punctuation
// is trimmed afterwards.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')]+`)

// staticResult is the outcome of the static attachment/link checks.
type staticResult struct {
	Findings []string `json:"findings"`
	Score    float64  `json:"score"`
	Tier     models.RiskTier
}

// staticScan applies the extension and MIME policy to the event's
// attachments. It needs no external service and always completes, so the
// pipeline has a floor verdict even when the sandbox is down.
func staticScan(event *models.EmailEvent) staticResult {
	res := staticResult{Findings: []string{}, Tier: models.TierSafe}

	for _, att := range event.Attachments {
		ext := strings.ToLower(extension(att.Name))

		switch {
		case dangerousExtensions[ext]:
			res.Findings = append(res.Findings, fmt.Sprintf("dangerous attachment extension %s (%s)", ext, att.Name))
			res.Score = max(res.Score, 0.9)
			res.Tier = models.MaxTier(res.Tier, models.TierThreat)
		case archiveExtensions[ext]:
			res.Findings = append(res.Findings, fmt.Sprintf("archive attachment %s may conceal payload", att.Name))
			res.Score = max(res.Score, 0.4)
			res.Tier = models.MaxTier(res.Tier, models.TierCautious)
		}

		if executableContentTypes[strings.ToLower(att.ContentType)] && !dangerousExtensions[ext] {
			res.Findings = append(res.Findings, fmt.Sprintf("executable content type %s behind name %s", att.ContentType, att.Name))
			res.Score = max(res.Score, 0.9)
			res.Tier = models.MaxTier(res.Tier, models.TierThreat)
		}
	}

	return res
}

// extractURLs pulls http(s) links out of the body preview for the sandbox.
func extractURLs(body string) []string {
	matches := urlPattern.FindAllString(body, -1)
	urls := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?")
		if !seen[m] {
			seen[m] = true
			urls = append(urls, m)
		}
	}
	return urls
}

func extension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return ""
	}
	return name[idx:]
}
