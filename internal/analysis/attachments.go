package analysis

import (
	"fmt"
	"strings"
)

// AttachmentResult is the attachment analyzer output.
type AttachmentResult struct {
	Indicators []Indicator
	Score      float64
}

func (r *AttachmentResult) add(ind Indicator, weight float64) {
	r.Indicators = append(r.Indicators, ind)
	r.Score += weight
}

const (
	largeAttachmentBytes = 25 * 1024 * 1024
	tinyAttachmentBytes  = 512
)

// Extension families, lowercased and without the dot.
var (
	executableExts = map[string]bool{
		"exe": true, "scr": true, "bat": true, "cmd": true, "com": true,
		"pif": true, "msi": true, "jar": true, "hta": true, "cpl": true,
		"js": true, "jse": true, "vbs": true, "vbe": true, "wsf": true,
		"wsh": true, "ps1": true, "psm1": true, "reg": true, "lnk": true,
	}
	macroExts = map[string]bool{
		"docm": true, "xlsm": true, "pptm": true, "dotm": true,
		"xltm": true, "potm": true, "ppsm": true, "sldm": true,
	}
	archiveExts = map[string]bool{
		"zip": true, "rar": true, "7z": true, "iso": true,
		"img": true, "cab": true, "tar": true, "gz": true, "tgz": true,
	}
	// Document-ish extensions that attackers hide a payload behind.
	decoyExts = map[string]bool{
		"pdf": true, "doc": true, "docx": true, "xls": true, "xlsx": true,
		"ppt": true, "pptx": true, "txt": true, "rtf": true, "csv": true,
		"jpg": true, "jpeg": true, "png": true, "gif": true, "html": true,
	}
)

// AnalyzeAttachments classifies each attachment by extension family and
// flags double extensions and unusual sizes.
func AnalyzeAttachments(attachments []Attachment) AttachmentResult {
	var res AttachmentResult

	for _, att := range attachments {
		name := strings.ToLower(strings.TrimSpace(att.Name))
		ext := finalExtension(name)

		if prev, dbl := doubleExtension(name); dbl {
			res.add(Indicator{
				Category:    CategoryAttachment,
				Severity:    SeverityCritical,
				Description: "Double extension attachment",
				Evidence:    truncateEvidence(fmt.Sprintf("%s (.%s disguised as .%s)", att.Name, ext, prev)),
				Confidence:  0.95,
			}, 10.0)
		}

		switch {
		case executableExts[ext]:
			res.add(Indicator{
				Category:    CategoryAttachment,
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("Executable attachment (.%s)", ext),
				Evidence:    truncateEvidence(att.Name),
				Confidence:  0.9,
			}, 10.0)
		case macroExts[ext]:
			res.add(Indicator{
				Category:    CategoryAttachment,
				Severity:    SeverityHigh,
				Description: fmt.Sprintf("Macro-enabled document (.%s)", ext),
				Evidence:    truncateEvidence(att.Name),
				Confidence:  0.8,
			}, 7.0)
		case archiveExts[ext]:
			res.add(Indicator{
				Category:    CategoryAttachment,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("Archive attachment (.%s)", ext),
				Evidence:    truncateEvidence(att.Name),
				Confidence:  0.6,
			}, 4.0)
		}

		if att.Size > largeAttachmentBytes {
			res.add(Indicator{
				Category:    CategoryAttachment,
				Severity:    SeverityMedium,
				Description: "Unusually large attachment",
				Evidence:    truncateEvidence(fmt.Sprintf("%s (%d bytes)", att.Name, att.Size)),
				Confidence:  0.5,
			}, 2.0)
		} else if att.Size > 0 && att.Size < tinyAttachmentBytes && !att.Inline {
			res.add(Indicator{
				Category:    CategoryAttachment,
				Severity:    SeverityLow,
				Description: "Unusually small attachment",
				Evidence:    truncateEvidence(fmt.Sprintf("%s (%d bytes)", att.Name, att.Size)),
				Confidence:  0.4,
			}, 1.0)
		}
	}

	res.Score = clampScore(res.Score)
	return res
}

func finalExtension(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx+1:]
}

// doubleExtension reports whether the filename hides a dangerous extension
// behind a document-looking one, e.g. invoice.pdf.exe. Returns the decoy
// extension when found.
func doubleExtension(name string) (string, bool) {
	parts := strings.Split(name, ".")
	if len(parts) < 3 {
		return "", false
	}
	final := parts[len(parts)-1]
	prev := parts[len(parts)-2]
	if (executableExts[final] || macroExts[final] || archiveExts[final]) && decoyExts[prev] {
		return prev, true
	}
	return "", false
}
