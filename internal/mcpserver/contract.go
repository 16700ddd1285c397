package mcpserver

// RecordFormatContract describes the canonical memory record format and the
// namespace catalog that LLM consumers should follow when capturing records.
const RecordFormatContract = `# Munin Record Format Contract

Every memory record stored in Munin follows this structure.

## Namespaces

Records live in exactly one of ten fixed namespaces. Unknown namespaces are
rejected; pick the closest fit.

| Namespace     | Use for                                              |
|---------------|------------------------------------------------------|
| decisions     | Choices made and the reasoning behind them           |
| blockers      | Things that stopped or are stopping progress         |
| progress      | State of ongoing work at a point in time             |
| insights      | Non-obvious facts learned about the codebase         |
| preferences   | How the people on the project like things done       |
| conventions   | Project rules: naming, layout, style, process        |
| mistakes      | What went wrong and how to avoid repeating it        |
| solutions     | Fixes that worked, for reuse next time               |
| questions     | Open questions awaiting an answer                    |
| sessions      | End-of-session summaries of what happened            |

## Rules

1. **Records are append-only.** There is no edit and no delete; to correct a
   record, capture a new one that supersedes it.
2. **` + "`" + `summary` + "`" + ` is required**: a single line, at most 512 characters, no
   control characters. It is what search ranks and lists show.
3. **` + "`" + `body` + "`" + ` is optional Markdown** carrying the full detail, at most 64 KiB.
   Newlines and tabs only; other control characters are rejected.
4. **Tags** are lowercase, kebab-case (e.g. ` + "`" + `retry-policy` + "`" + `, ` + "`" + `api-design` + "`" + `),
   at most 32 per record.
5. **` + "`" + `source_ref` + "`" + `** optionally names the git ref or file path the record is
   about (e.g. ` + "`" + `cmd/app/main.go` + "`" + ` or ` + "`" + `v2.1.0` + "`" + `).
6. **Identity** is ` + "`" + `namespace:anchor:seq` + "`" + `: the namespace, the commit the
   record is anchored at, and its position among records at that commit.
   Capture returns it; recall results carry it.

## Stored form

On disk each record is a git-notes block: YAML frontmatter fenced by ` + "`" + `---` + "`" + `
lines (` + "`" + `created_at` + "`" + ` first, then ` + "`" + `namespace` + "`" + `, ` + "`" + `summary` + "`" + `, optional ` + "`" + `tags` + "`" + `
and ` + "`" + `source_ref` + "`" + `), then the body. You never write this form yourself; the
` + "`" + `memory_capture` + "`" + ` tool encodes it.

` + "```" + `markdown
---
created_at: "2026-08-25T09:30:00Z"
namespace: decisions
summary: switched retry policy to jittered backoff
tags:
  - retry-policy
source_ref: internal/client/retry.go
---

Fixed-interval retries synchronized across replicas and hammered the
upstream on recovery. Jittered exponential backoff spreads them out.
` + "```" + `

## Capturing well

- One fact per record. Two decisions are two captures.
- Put searchable words in the summary; the body is for detail, not keywords.
- Capture at the moment of learning, while the anchor commit still points at
  the code the record talks about.
`
