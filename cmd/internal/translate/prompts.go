package translate

import "fmt"

func structuredPrompt(text, targetName string) CompletionRequest {
	return CompletionRequest{
		System: fmt.Sprintf(`You are a sophisticated translation engine.
Analyze the input text, detect its language, and translate it into %[1]s.
Also provide the phonetic pronunciation (IPA or standard transliteration such as Pinyin) of the ORIGINAL text to help the receiver pronounce it.
If the text is already in %[1]s, the translated text must be identical to the original.

Respond with a single JSON object and nothing else:
{"original": string, "detectedLanguage": ISO 639-1 code of the original, "translated": string, "phonetic": string (empty if not applicable)}`, targetName),
		User: text,
	}
}

func plainPrompt(text, targetName string) CompletionRequest {
	return CompletionRequest{
		System: fmt.Sprintf(`You are a professional translator. Translate the following text into %s.
Do not add any explanations or extra text. Just provide the translation.
If the text is already in the target language, return it as is.`, targetName),
		User: text,
	}
}

func detectPrompt(text string) CompletionRequest {
	return CompletionRequest{
		System: `You are a language detector. Detect the language of the following text.
Return only the ISO 639-1 language code (e.g. 'en', 'es', 'fr', 'zh').`,
		User: text,
	}
}

func smartRepliesPrompt(history, langName string) CompletionRequest {
	return CompletionRequest{
		System: fmt.Sprintf(`You are a helpful AI assistant for a chat application.
Based on the conversation history below, generate 3 short, natural, and relevant reply suggestions for the user ("me").
The replies MUST be in the user's language: %s.
Keep replies concise (1-5 words). Do not repeat suggestions.

Respond with a JSON array of 3 strings and nothing else.

Conversation history:
%s`, langName, history),
	}
}

func summaryPrompt(history, langName string) CompletionRequest {
	return CompletionRequest{
		System: fmt.Sprintf(`You are a helpful AI assistant.
Summarize the following chat conversation in 3-5 bullet points.
The summary MUST be in the user's language: %s.
Focus on the main topics and decisions.

Conversation:
%s`, langName, history),
	}
}

func rewritePrompt(text, tone, langName string) CompletionRequest {
	return CompletionRequest{
		System: fmt.Sprintf(`You are a helpful writing assistant. Rewrite the following text to be more %s.
The rewritten text MUST be in %s.
Do not add any explanations or extra text. Just provide the rewritten text.`, tone, langName),
		User: text,
	}
}
