package formsession

import "fmt"

type Mode string

const (
	ModeHome           Mode = "home"
	ModeCreate         Mode = "create"
	ModeBuild          Mode = "build"
	ModeView           Mode = "view"
	ModeRenderExisting Mode = "render-existing"
)

// Widget containers, one per view that mounts a widget.
const (
	ContainerBuilder = "form-builder"
	ContainerViewer  = "form-viewer"
	ContainerRender  = "render-existing"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeHome, ModeCreate, ModeBuild, ModeView, ModeRenderExisting:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}
