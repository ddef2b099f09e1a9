package extraction

// Prompt templates for the extraction calls. Changing a template changes
// every fingerprint derived from it, which is the intended cache
// invalidation mechanism.

const entityExtractionPrompt = `You are a knowledge graph extraction system. Identify the entities and relationships in the text below.

Rules:
- Use entity types from this list when one fits: %s. If none fits, pick a short descriptive type of your own.
- Write all names and descriptions in %s.
- Relationship weight is a float in [1, 10] reflecting how strongly the text supports the relationship.
- Respond with strict JSON only, no prose, no code fences, in exactly this shape:
{"entities":[{"name":"...","type":"...","description":"..."}],"relations":[{"src":"...","tgt":"...","description":"...","keywords":["..."],"weight":1.0}]}

Text:
%s`

const gleaningPrompt = `Some entities and relationships in the last text were missed. Add ONLY the missing ones, in the same strict JSON shape as before. If nothing was missed, respond with {"entities":[],"relations":[]}.`

const keywordExtractionPrompt = `Extract search keywords from the question below.

- high_level_keywords: overarching concepts or themes.
- low_level_keywords: specific entities, names, or details.
- Respond with strict JSON only: {"high_level_keywords":["..."],"low_level_keywords":["..."]}

Question:
%s`
