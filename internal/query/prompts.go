package query

// NoContextAnswer is returned when retrieval produced nothing to ground
// an answer on, including queries against deleted or empty projects.
const NoContextAnswer = "Sorry, I'm not able to provide an answer to that question."

const answerSystemPrompt = `You are a question answering assistant. Answer the user's question using ONLY the context passages below.
Each passage may start with a citation tag of the form [<document-id>:chunk-<n>]. When a passage supports part of your answer, repeat its citation tag verbatim after the supported statement. Do not invent citation tags. If the context is not sufficient to answer, say so.

---Context---
%s`

const graphAnswerPrompt = `You are given facts extracted from a knowledge graph: entities with descriptions, and weighted relations between them.
Write a concise, factual answer to the question using only these facts. Do not mention the graph or the facts list itself.

---Facts---
%s

---Question---
%s`
