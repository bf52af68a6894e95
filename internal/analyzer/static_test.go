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
	"reflect"
	"testing"

	"github.com/bcem/triage/internal/models"
)

func TestStaticScan_DangerousExtension(t *testing.T) {
	res := staticScan(&models.EmailEvent{
		Attachments: []models.Attachment{
			{Name: "invoice.pdf.exe", ContentType: "application/octet-stream", Size: 2048},
		},
	})

	if res.Tier != models.TierThreat {
		t.Errorf("tier = %s, want THREAT", res.Tier)
	}
	if res.Score != 0.9 {
		t.Errorf("score = %f, want 0.9", res.Score)
	}
	if len(res.Findings) != 1 {
		t.Errorf("findings = %v, want one", res.Findings)
	}
}

func TestStaticScan_ArchiveAttachment(t *testing.T) {
	res := staticScan(&models.EmailEvent{
		Attachments: []models.Attachment{
			{Name: "report.zip", ContentType: "application/zip", Size: 1024},
		},
	})

	if res.Tier != models.TierCautious {
		t.Errorf("tier = %s, want CAUTIOUS", res.Tier)
	}
	if res.Score != 0.4 {
		t.Errorf("score = %f, want 0.4", res.Score)
	}
}

func TestStaticScan_ExecutableContentTypeMismatch(t *testing.T) {
	res := staticScan(&models.EmailEvent{
		Attachments: []models.Attachment{
			{Name: "photo.jpg", ContentType: "application/x-msdownload", Size: 4096},
		},
	})

	if res.Tier != models.TierThreat {
		t.Errorf("tier = %s, want THREAT", res.Tier)
	}
	if len(res.Findings) != 1 {
		t.Errorf("findings = %v, want one mismatch finding", res.Findings)
	}
}

func TestStaticScan_CleanAttachments(t *testing.T) {
	res := staticScan(&models.EmailEvent{
		Attachments: []models.Attachment{
			{Name: "agenda.pdf", ContentType: "application/pdf", Size: 512},
			{Name: "notes.docx", ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Size: 512},
		},
	})

	if res.Tier != models.TierSafe {
		t.Errorf("tier = %s, want SAFE", res.Tier)
	}
	if res.Score != 0 {
		t.Errorf("score = %f, want 0", res.Score)
	}
	if len(res.Findings) != 0 {
		t.Errorf("findings = %v, want none", res.Findings)
	}
}

func TestStaticScan_NoAttachments(t *testing.T) {
	res := staticScan(&models.EmailEvent{})
	if res.Tier != models.TierSafe || res.Score != 0 || len(res.Findings) != 0 {
		t.Errorf("empty event scan = %+v, want clean", res)
	}
}

func TestExtractURLs(t *testing.T) {
	body := `Your account needs verification: https://evil.example/login.
Also see http://evil.example/login and https://evil.example/login again,
plus (https://other.example/path?q=1).`

	urls := extractURLs(body)
	want := []string{
		"https://evil.example/login",
		"http://evil.example/login",
		"https://other.example/path?q=1",
	}
	if !reflect.DeepEqual(urls, want) {
		t.Errorf("extractURLs = %v, want %v", urls, want)
	}
}

func TestExtractURLs_NoLinks(t *testing.T) {
	if urls := extractURLs("plain text, no links here"); len(urls) != 0 {
		t.Errorf("extractURLs = %v, want empty", urls)
	}
}
