package cli

import (
	"fmt"
	"io"
)

// BashCompletion is the bash completion script for reusectl.
const BashCompletion = `#!/bin/bash
# Bash completion for reusectl

_reusectl_completion() {
    local cur prev
    COMPREPLY=()
    cur="${COMP_WORDS[COMP_CWORD]}"
    prev="${COMP_WORDS[COMP_CWORD-1]}"

    local commands="signin signup signout whoami get chat completion help"
    local chat_cmds="history send listen"
    local global_flags="-config -env -metrics-addr"

    case "${prev}" in
        chat)
            COMPREPLY=( $(compgen -W "${chat_cmds}" -- ${cur}) )
            return 0
            ;;
        completion)
            COMPREPLY=( $(compgen -W "bash zsh fish" -- ${cur}) )
            return 0
            ;;
        -config|-env)
            COMPREPLY=( $(compgen -f -- ${cur}) )
            return 0
            ;;
    esac

    if [[ ${cur} == -* ]]; then
        COMPREPLY=( $(compgen -W "${global_flags}" -- ${cur}) )
        return 0
    fi

    COMPREPLY=( $(compgen -W "${commands}" -- ${cur}) )
    return 0
}

complete -F _reusectl_completion reusectl
`

// ZshCompletion is the zsh completion script for reusectl.
const ZshCompletion = `#compdef reusectl

_reusectl() {
    local -a commands chat_cmds
    commands=(
        'signin:Sign in with email and password'
        'signup:Register a new account'
        'signout:Clear the stored session'
        'whoami:Show the signed-in user'
        'get:GET a backend path with the session credential'
        'chat:Chat history, send and listen'
        'completion:Generate shell completion'
    )
    chat_cmds=(
        'history:Print a chat history'
        'send:Send a message'
        'listen:Print live messages'
    )

    _arguments -C \
        '-config[Configuration file path]:file:_files' \
        '-env[Dotenv file path]:file:_files' \
        '-metrics-addr[Serve metrics on this address]:addr:' \
        '1: :->command' \
        '*:: :->args'

    case $state in
        command)
            _describe 'command' commands
            ;;
        args)
            case $words[1] in
                chat)
                    _describe 'chat command' chat_cmds
                    ;;
                completion)
                    _values 'shell' bash zsh fish
                    ;;
            esac
            ;;
    esac
}

_reusectl "$@"
`

// FishCompletion is the fish completion script for reusectl.
const FishCompletion = `# Fish completion for reusectl

complete -c reusectl -f -n "__fish_use_subcommand" -a "signin" -d "Sign in with email and password"
complete -c reusectl -f -n "__fish_use_subcommand" -a "signup" -d "Register a new account"
complete -c reusectl -f -n "__fish_use_subcommand" -a "signout" -d "Clear the stored session"
complete -c reusectl -f -n "__fish_use_subcommand" -a "whoami" -d "Show the signed-in user"
complete -c reusectl -f -n "__fish_use_subcommand" -a "get" -d "GET a backend path"
complete -c reusectl -f -n "__fish_use_subcommand" -a "chat" -d "Chat history, send and listen"
complete -c reusectl -f -n "__fish_use_subcommand" -a "completion" -d "Generate shell completion"

complete -c reusectl -f -n "__fish_seen_subcommand_from chat" -a "history" -d "Print a chat history"
complete -c reusectl -f -n "__fish_seen_subcommand_from chat" -a "send" -d "Send a message"
complete -c reusectl -f -n "__fish_seen_subcommand_from chat" -a "listen" -d "Print live messages"

complete -c reusectl -f -n "__fish_seen_subcommand_from completion" -a "bash zsh fish"

complete -c reusectl -o config -r -d "Configuration file path"
complete -c reusectl -o env -r -d "Dotenv file path"
complete -c reusectl -o metrics-addr -x -d "Serve metrics on this address"
`

// GenerateCompletion writes the completion script for shell to w.
func GenerateCompletion(w io.Writer, shell string) error {
	var script string
	switch shell {
	case "bash":
		script = BashCompletion
	case "zsh":
		script = ZshCompletion
	case "fish":
		script = FishCompletion
	default:
		return fmt.Errorf("unsupported shell: %s (supported: bash, zsh, fish)", shell)
	}
	_, err := io.WriteString(w, script)
	return err
}
