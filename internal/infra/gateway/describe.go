package gateway

import (
	"fmt"
	"strings"

	"mcpgate/internal/domain"
)

const (
	maxPreviewActions = 30
	maxPreviewWidth   = 80
)

// describeProxy builds the outward tool description for one upstream. Before
// discovery it only explains the calling convention; afterwards it previews
// the discovered actions so a caller can often skip the list round trip.
func describeProxy(name string, snap *domain.CatalogSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Invoke any action of the %q MCP server through one proxy operation. ", name)
	b.WriteString(`Pass {"action": "<name>", "params": {...}}; params go to the upstream unchanged. `)
	b.WriteString(`The reserved action "list" returns the full catalog with parameter schemas ({"refresh": true} forces rediscovery).`)

	if snap == nil || snap.Len() == 0 {
		return b.String()
	}

	b.WriteString("\n\nActions:")
	for i, desc := range snap.Descriptors {
		if i == maxPreviewActions {
			fmt.Fprintf(&b, "\n... and %d more (use \"list\")", snap.Len()-maxPreviewActions)
			break
		}
		b.WriteString("\n- ")
		b.WriteString(previewLine(desc))
	}
	return b.String()
}

func previewLine(desc domain.ToolDescriptor) string {
	line := desc.Name
	if summary := firstLine(desc.Description); summary != "" {
		line += ": " + summary
	}
	if len(line) > maxPreviewWidth {
		line = line[:maxPreviewWidth-3] + "..."
	}
	return line
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
