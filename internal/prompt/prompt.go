package prompt

import (
	"fmt"
	"strings"
)

// Reply suffixes steer the generated tone. SuffixSoft marks an ordinary poke
// mention; SuffixProtest is selected on the event that escalates into silence
// so the last reply before going quiet reads as a protest.
const (
	SuffixSoft    = "（这是QQ的一个功能，用于提及某人，但没那么明显）"
	SuffixProtest = "（请一定要回答类似于“哼，我不理你了”的话语以表示对过多戳一戳的抗议）"
)

// System is the generator's standing instruction.
const System = "你是群里的一个成员，语气自然、口语化，回复要简短。不要解释括号里的提示，只按它的语气要求回应。"

const fallbackNickname = "有人"

// Reply builds the generation context for answering a poke.
func Reply(nickname string, content string, suffix string) string {
	name := strings.TrimSpace(nickname)
	if name == "" {
		name = fallbackNickname
	}
	return fmt.Sprintf("%s：%s%s(有人戳了戳你，可能是在找你，也可能是在搞怪，你需要对此做出简洁的回应)", name, strings.TrimSpace(content), suffix)
}
