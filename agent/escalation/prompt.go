package escalation

import (
	"fmt"
	"strings"

	"github.com/BaSui01/handoffd/internal/tokenizer"
)

// historyDigest 把尝试历史压缩成 reasoning 提示使用的文本。从最新的记录
// 往回取，直到超出 token 预算；最新一条总会保留。
func historyDigest(history []AttemptRecord, counter tokenizer.Counter, budget int) string {
	if len(history) == 0 {
		return ""
	}
	lines := make([]string, 0, len(history))
	used := 0
	omitted := 0
	for i := len(history) - 1; i >= 0; i-- {
		line := formatRecord(history[i])
		n, err := counter.CountTokens(line)
		if err != nil {
			n = len(line) / 4
		}
		if budget > 0 && len(lines) > 0 && used+n > budget {
			omitted = i + 1
			break
		}
		used += n
		lines = append(lines, line)
	}
	// 恢复时间顺序
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	var b strings.Builder
	if omitted > 0 {
		fmt.Fprintf(&b, "(%d earlier attempts omitted)\n", omitted)
	}
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

func formatRecord(r AttemptRecord) string {
	if r.Outcome == OutcomeSuccess {
		return fmt.Sprintf("#%d %s/%s succeeded", r.Sequence, r.Strategy, r.Model)
	}
	return fmt.Sprintf("#%d %s/%s failed [%s] %s", r.Sequence, r.Strategy, r.Model, r.Classification, truncate(r.Error, 160))
}
