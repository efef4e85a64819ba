package content

import (
	"fmt"
	"strings"

	"github.com/satindergrewal/airwaves/internal/news"
)

// Styles the writer understands. Unknown styles fall back to professional.
var styles = map[string]map[string]string{
	"en": {
		"professional": "calm, authoritative, neutral",
		"casual":       "relaxed, friendly, conversational",
		"dramatic":     "urgent, vivid, energetic",
	},
	"sr": {
		"professional": "miran, autoritativan, neutralan",
		"casual":       "opušten, prijateljski, razgovorni",
		"dramatic":     "hitan, živopisan, energičan",
	},
	"ru": {
		"professional": "спокойный, авторитетный, нейтральный",
		"casual":       "непринуждённый, дружелюбный, разговорный",
		"dramatic":     "напряжённый, яркий, энергичный",
	},
}

var systemPrompts = map[string]string{
	"en": `You are a professional radio host on an independent AI news station.
Your job is to read the news in English.
Style: %s
Rules:
- Be concise and clear
- Use natural spoken language
- Add short transitions between stories
- No emoji, markdown or special characters
- At most 2-3 sentences per story`,
	"sr": `Ti si profesionalni radio voditelj na nezavisnoj AI radio stanici.
Tvoj zadatak je da čitaš vijesti na srpskom jeziku.
Stil: %s
Pravila:
- Budi koncizan i jasan
- Koristi prirodan govorni jezik
- Dodaj kratke prelaze između vijesti
- Ne koristi emoji ili specijalne znakove
- Maksimalno 2-3 rečenice po vijesti`,
	"ru": `Ты профессиональный радиоведущий на независимой AI радиостанции.
Твоя задача читать новости на русском языке.
Стиль: %s
Правила:
- Будь кратким и ясным
- Используй естественную разговорную речь
- Добавляй короткие переходы между новостями
- Без эмодзи и специальных символов
- Не больше 2-3 предложений на новость`,
}

var userRules = map[string]string{
	"en": "Open with a one-line greeting, read each item, close with a one-line sign-off. Plain text only, it will be read aloud.",
	"sr": "Počni kratkim pozdravom, pročitaj svaku vijest, završi kratkom odjavom. Samo običan tekst, biće pročitan naglas.",
	"ru": "Начни с короткого приветствия, прочитай каждую новость, закончи короткой прощальной фразой. Только простой текст, он будет прочитан вслух.",
}

func lang(l string) string {
	if _, ok := systemPrompts[l]; ok {
		return l
	}
	return "en"
}

func styleText(l, style string) string {
	if s, ok := styles[l][style]; ok {
		return s
	}
	return styles[l]["professional"]
}

// SystemPrompt returns the host persona for lang and style.
func SystemPrompt(language, style string) string {
	l := lang(language)
	return fmt.Sprintf(systemPrompts[l], styleText(l, style))
}

// UserPrompt lists the topics as numbered "[CATEGORY] title / summary" items.
func UserPrompt(language, style string, topics []news.Topic) string {
	l := lang(language)
	var b strings.Builder
	b.WriteString("Write a short radio news segment based on these items.\n\nITEMS:\n")
	for i, t := range topics {
		summary := []rune(t.Summary)
		if len(summary) > 200 {
			summary = append(summary[:200], []rune("...")...)
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n   %s\n", i+1, strings.ToUpper(t.Category), t.Title, string(summary))
	}
	fmt.Fprintf(&b, "\n%s\n\nSTYLE: %s", userRules[l], style)
	return b.String()
}
