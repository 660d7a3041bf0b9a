// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery

import (
	"fmt"
	"strings"
)

// BuildRetryPrompt appends a correction notice for v to the base prompt.
// A complete verdict returns base unchanged.
func BuildRetryPrompt(base string, v Verdict) string {
	notice := CorrectionNotice(v)
	if notice == "" {
		return base
	}
	return base + "\n\n" + notice
}

// CorrectionNotice explains the previous attempt's deficiency to the model.
func CorrectionNotice(v Verdict) string {
	switch v.Reason {
	case ReasonCount:
		return fmt.Sprintf(
			"IMPORTANT: The previous response only had %d items, but you need to generate EXACTLY %d items. "+
				"Please try again and ensure you generate all %d items.",
			v.ItemCount, v.RequestedCount, v.RequestedCount)
	case ReasonMissing:
		return fmt.Sprintf(
			"IMPORTANT: The previous response was missing required fields: %s. "+
				"Return a single valid JSON object that includes every required field.",
			strings.Join(v.Missing, ", "))
	case ReasonLength:
		return fmt.Sprintf(
			"IMPORTANT: The previous response was incomplete. The original text has %d characters "+
				"but your output only had %d characters. Return the COMPLETE text from beginning to end "+
				"without truncating or summarizing.",
			v.OriginalLen, v.ObservedLen)
	}
	return ""
}
