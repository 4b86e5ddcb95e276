// Package command runs external programs such as the ccsc compiler.
//
// A Spec holds an executable, an argument vector and a working directory.
// Arguments go to the program verbatim, so paths with spaces, quotes or shell
// metacharacters cannot change the command:
//
//	spec, err := command.NewSpec("ccsc", []string{"+FH", "/work/my file.c"}, "/work")
//	if err != nil {
//	    return err
//	}
//	res, err := command.NewRunner(command.DefaultConfig()).Run(ctx, spec)
//	if err != nil {
//	    return err // could not run, or cancelled
//	}
//	if !res.Success() {
//	    // ran and failed; res.Stdout and res.Stderr say why
//	}
package command
