package shared

import (
	"path/filepath"
	"strings"

	"github.com/issuedeck/issuedeck/internal/issue/models"
)

// severity orders categories so compound commands take the most severe
// bucket across their segments.
var severity = map[models.CommandCategory]int{
	models.CommandOther:   0,
	models.CommandRead:    1,
	models.CommandNetwork: 2,
	models.CommandWrite:   3,
}

var commandCategories = map[string]models.CommandCategory{
	"cat":      models.CommandRead,
	"ls":       models.CommandRead,
	"head":     models.CommandRead,
	"tail":     models.CommandRead,
	"less":     models.CommandRead,
	"more":     models.CommandRead,
	"grep":     models.CommandRead,
	"rg":       models.CommandRead,
	"ag":       models.CommandRead,
	"find":     models.CommandRead,
	"fd":       models.CommandRead,
	"pwd":      models.CommandRead,
	"stat":     models.CommandRead,
	"file":     models.CommandRead,
	"wc":       models.CommandRead,
	"du":       models.CommandRead,
	"df":       models.CommandRead,
	"tree":     models.CommandRead,
	"which":    models.CommandRead,
	"whereis":  models.CommandRead,
	"readlink": models.CommandRead,
	"realpath": models.CommandRead,
	"diff":     models.CommandRead,
	"sort":     models.CommandRead,
	"uniq":     models.CommandRead,
	"cut":      models.CommandRead,
	"echo":     models.CommandRead,
	"printf":   models.CommandRead,
	"env":      models.CommandRead,
	"printenv": models.CommandRead,
	"ps":       models.CommandRead,
	"whoami":   models.CommandRead,
	"id":       models.CommandRead,
	"date":     models.CommandRead,

	"touch":    models.CommandWrite,
	"mkdir":    models.CommandWrite,
	"rmdir":    models.CommandWrite,
	"rm":       models.CommandWrite,
	"mv":       models.CommandWrite,
	"cp":       models.CommandWrite,
	"chmod":    models.CommandWrite,
	"chown":    models.CommandWrite,
	"ln":       models.CommandWrite,
	"tee":      models.CommandWrite,
	"truncate": models.CommandWrite,
	"dd":       models.CommandWrite,
	"sed":      models.CommandWrite,
	"patch":    models.CommandWrite,
	"tar":      models.CommandWrite,
	"zip":      models.CommandWrite,
	"unzip":    models.CommandWrite,
	"gzip":     models.CommandWrite,
	"gunzip":   models.CommandWrite,

	"curl":     models.CommandNetwork,
	"wget":     models.CommandNetwork,
	"ping":     models.CommandNetwork,
	"ssh":      models.CommandNetwork,
	"scp":      models.CommandNetwork,
	"rsync":    models.CommandNetwork,
	"nc":       models.CommandNetwork,
	"netcat":   models.CommandNetwork,
	"dig":      models.CommandNetwork,
	"nslookup": models.CommandNetwork,
	"host":     models.CommandNetwork,
	"telnet":   models.CommandNetwork,
}

// subcommandCategories refines tools whose first argument decides the
// effect.
var subcommandCategories = map[string]models.CommandCategory{
	"git status":      models.CommandRead,
	"git log":         models.CommandRead,
	"git diff":        models.CommandRead,
	"git show":        models.CommandRead,
	"git branch":      models.CommandRead,
	"git blame":       models.CommandRead,
	"git grep":        models.CommandRead,
	"git add":         models.CommandWrite,
	"git commit":      models.CommandWrite,
	"git checkout":    models.CommandWrite,
	"git switch":      models.CommandWrite,
	"git restore":     models.CommandWrite,
	"git reset":       models.CommandWrite,
	"git merge":       models.CommandWrite,
	"git rebase":      models.CommandWrite,
	"git stash":       models.CommandWrite,
	"git rm":          models.CommandWrite,
	"git mv":          models.CommandWrite,
	"git apply":       models.CommandWrite,
	"git cherry-pick": models.CommandWrite,
	"git push":        models.CommandNetwork,
	"git pull":        models.CommandNetwork,
	"git fetch":       models.CommandNetwork,
	"git clone":       models.CommandNetwork,

	"npm install":     models.CommandNetwork,
	"npm ci":          models.CommandNetwork,
	"npm update":      models.CommandNetwork,
	"pnpm install":    models.CommandNetwork,
	"pnpm add":        models.CommandNetwork,
	"yarn install":    models.CommandNetwork,
	"yarn add":        models.CommandNetwork,
	"pip install":     models.CommandNetwork,
	"pip3 install":    models.CommandNetwork,
	"go get":          models.CommandNetwork,
	"docker pull":     models.CommandNetwork,
	"docker push":     models.CommandNetwork,
	"apt install":     models.CommandNetwork,
	"apt-get install": models.CommandNetwork,
	"brew install":    models.CommandNetwork,
}

// ClassifyCommand buckets a shell command by its likely effect. The result
// drives UI badges, not policy, so unknown commands land in "other" rather
// than failing.
func ClassifyCommand(command string) models.CommandCategory {
	best := models.CommandOther
	for _, segment := range splitSegments(command) {
		cat := classifySegment(segment)
		if severity[cat] > severity[best] {
			best = cat
		}
	}
	return best
}

// splitSegments breaks a compound command at pipes, chains, and newlines.
// Quoting is ignored; this is a classification heuristic, not a parser.
func splitSegments(command string) []string {
	return strings.FieldsFunc(command, func(r rune) bool {
		return r == ';' || r == '|' || r == '&' || r == '\n'
	})
}

func classifySegment(segment string) models.CommandCategory {
	fields := strings.Fields(segment)
	for len(fields) > 1 && skipToken(fields[0]) {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return models.CommandOther
	}

	// Output redirection writes regardless of the command.
	for _, tok := range fields[1:] {
		if tok == ">" || tok == ">>" || (len(tok) > 1 && tok[0] == '>' && tok[1] != '&') {
			return models.CommandWrite
		}
	}

	name := filepath.Base(fields[0])
	if len(fields) > 1 {
		if cat, ok := subcommandCategories[name+" "+fields[1]]; ok {
			return cat
		}
	}
	if cat, ok := commandCategories[name]; ok {
		return cat
	}
	return models.CommandOther
}

func skipToken(tok string) bool {
	switch tok {
	case "sudo", "nohup", "time", "exec", "command", "env", "xargs":
		return true
	}
	if strings.HasPrefix(tok, "-") {
		return false
	}
	// Leading VAR=value assignments
	if i := strings.IndexByte(tok, '='); i > 0 && !strings.ContainsAny(tok[:i], "/.") {
		return true
	}
	return false
}
